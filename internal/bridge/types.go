// Package bridge implements the transport bridge scheduler (§4.4): a
// poll-driven loop that watches an external conversation source (a GitHub
// repo's issues, a forum thread, anything with posts and replies), turns
// new activity into agent runs, and writes the reply back to the source.
//
// The scheduler itself is transport-agnostic. Concrete sources implement
// Source; GitHub issues is the one this package ships grounded on, since
// it is the one the teacher's own bridge (github_issues.rs) implements.
package bridge

import (
	"context"
	"time"

	"github.com/tauagent/tau/internal/agent"
	"github.com/tauagent/tau/pkg/models"
)

// Conversation is one thread a Source exposes: a GitHub issue, a Slack
// thread, a forum post — anything that accumulates an opening post and
// follow-up replies over time.
type Conversation struct {
	ID        string
	Title     string
	Author    string
	UpdatedAt string
}

// Source is the transport a bridge scheduler polls. Implementations own
// the wire protocol (REST, GraphQL, whatever) and translate it into the
// scheduler's conversation/event vocabulary.
type Source interface {
	// Name identifies the source for logging ("repo", "slug", etc.).
	Name() string

	// ResolveBotIdentity returns the login/handle the source should treat
	// as "me" so its own replies are never re-ingested as events.
	ResolveBotIdentity(ctx context.Context) (string, error)

	// ListConversationsUpdatedSince returns conversations touched at or
	// after cursor, oldest first. An empty cursor means "since the
	// beginning".
	ListConversationsUpdatedSince(ctx context.Context, cursor string) ([]Conversation, error)

	// FetchEvents returns the candidate events (opening post plus replies)
	// for a conversation, already filtered to non-bot authorship and
	// sorted by (occurred_at, key) ascending.
	FetchEvents(ctx context.Context, conv Conversation, botIdentity string) ([]models.Event, error)

	// FetchReplyBodies returns the text bodies of the source's own replies
	// in the conversation, newest activity included, used to recover
	// already-processed event keys from embedded footer markers when
	// local scheduler state has been lost.
	FetchReplyBodies(ctx context.Context, conv Conversation, botIdentity string) ([]string, error)

	// PostReply posts a new reply and returns its id.
	PostReply(ctx context.Context, conversationID, body string) (replyID string, err error)

	// UpdateReply edits an existing reply in place.
	UpdateReply(ctx context.Context, conversationID, replyID, body string) error
}

// PromptRunner dispatches a prompt against a session and streams back the
// turn loop's response chunks. *agent.AgenticLoop satisfies this.
type PromptRunner interface {
	Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *agent.ResponseChunk, error)
}

// Config parameterizes a Scheduler. Unlike the teacher's GitHub-specific
// config, this carries only the concerns the scheduler itself needs —
// source-specific settings (repo slug, token, API base) live on the
// Source implementation instead.
type Config struct {
	AgentID         string
	Channel         models.ChannelType
	PollInterval    time.Duration
	IncludeOpening  bool
	IncludeEdits    bool
	ProcessedEventsCap int
	SystemPrompt    string
	SessionDir      string
}

// DefaultConfig returns scheduler defaults matching the teacher's bridge
// (30s poll interval, opening posts and edited replies both included, a
// 2048-entry processed-event FIFO).
func DefaultConfig() Config {
	return Config{
		Channel:            models.ChannelBridge,
		PollInterval:       30 * time.Second,
		IncludeOpening:     true,
		IncludeEdits:       true,
		ProcessedEventsCap: models.MaxProcessedEventKeys,
	}
}

// PollReport summarizes one poll cycle, mirroring the teacher's
// PollCycleReport.
type PollReport struct {
	DiscoveredEvents       int
	ProcessedEvents        int
	SkippedDuplicateEvents int
	FailedEvents           int
}
