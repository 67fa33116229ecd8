package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tauagent/tau/internal/backoff"
	"github.com/tauagent/tau/pkg/models"
)

// GithubIssuesSource is the Source implementation grounded on the
// teacher's GithubApiClient/collect_issue_events: it treats each GitHub
// issue as a Conversation and each issue body / non-bot comment as a
// candidate Event. No third-party GitHub SDK exists anywhere in the
// example pack, so this talks to the REST API directly with net/http —
// the same choice the teacher made with its own hand-rolled client.
type GithubIssuesSource struct {
	http    *http.Client
	apiBase string
	owner   string
	repo    string
	token   string

	includeOpening bool
	includeEdits   bool

	maxRetryAttempts int
}

// NewGithubIssuesSource builds a GithubIssuesSource. apiBase defaults to
// https://api.github.com.
func NewGithubIssuesSource(apiBase, owner, repo, token string, includeOpening, includeEdits bool) *GithubIssuesSource {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &GithubIssuesSource{
		http:             &http.Client{Timeout: 30 * time.Second},
		apiBase:          strings.TrimRight(apiBase, "/"),
		owner:            owner,
		repo:             repo,
		token:            token,
		includeOpening:   includeOpening,
		includeEdits:     includeEdits,
		maxRetryAttempts: 3,
	}
}

func (g *GithubIssuesSource) Name() string {
	return fmt.Sprintf("%s/%s", g.owner, g.repo)
}

type githubUser struct {
	Login string `json:"login"`
}

type githubIssue struct {
	ID          int64       `json:"id"`
	Number      int64       `json:"number"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	User        githubUser  `json:"user"`
	PullRequest interface{} `json:"pull_request"`
}

type githubComment struct {
	ID        int64      `json:"id"`
	Body      string     `json:"body"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`
	User      githubUser `json:"user"`
}

type githubCommentCreated struct {
	ID int64 `json:"id"`
}

func (g *GithubIssuesSource) ResolveBotIdentity(ctx context.Context) (string, error) {
	var viewer githubUser
	if err := g.requestJSON(ctx, "resolve bot identity", http.MethodGet, "/user", nil, &viewer); err != nil {
		return "", err
	}
	return viewer.Login, nil
}

// ListConversationsUpdatedSince lists open issues updated at or after
// since, ascending, mirroring list_updated_issues (pull requests are
// excluded — they surface through a different flow).
func (g *GithubIssuesSource) ListConversationsUpdatedSince(ctx context.Context, since string) ([]Conversation, error) {
	var conversations []Conversation
	page := 1
	for {
		query := fmt.Sprintf("/repos/%s/%s/issues?state=open&sort=updated&direction=asc&per_page=100&page=%d", g.owner, g.repo, page)
		if since != "" {
			query += "&since=" + since
		}
		var chunk []githubIssue
		if err := g.requestJSON(ctx, "list issues", http.MethodGet, query, nil, &chunk); err != nil {
			return nil, err
		}
		for _, issue := range chunk {
			if issue.PullRequest != nil {
				continue
			}
			conversations = append(conversations, Conversation{
				ID:        strconv.FormatInt(issue.Number, 10),
				Title:     issue.Title,
				Author:    issue.User.Login,
				UpdatedAt: issue.UpdatedAt,
			})
		}
		if len(chunk) < 100 {
			break
		}
		page++
	}
	return conversations, nil
}

// FetchEvents returns the issue body (if not yet seen and non-empty) plus
// every non-bot comment, applying the include-opening/include-edits
// filters and sorting by (occurred_at, key) — mirroring collect_issue_events.
func (g *GithubIssuesSource) FetchEvents(ctx context.Context, conv Conversation, botIdentity string) ([]models.Event, error) {
	issue, err := g.fetchIssue(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	comments, err := g.fetchIssueComments(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	var events []models.Event
	if g.includeOpening && issue.User.Login != botIdentity && strings.TrimSpace(issue.Body) != "" {
		events = append(events, models.Event{
			Key:            fmt.Sprintf("issue-opened:%d", issue.ID),
			Kind:           models.EventKindIssueOpened,
			ConversationID: conv.ID,
			Actor:          issue.User.Login,
			OccurredAt:     issue.CreatedAt,
			Body:           issue.Body,
		})
	}

	for _, comment := range comments {
		if comment.User.Login == botIdentity {
			continue
		}
		body := strings.TrimSpace(comment.Body)
		if body == "" {
			continue
		}
		isEdit := comment.UpdatedAt != comment.CreatedAt
		if isEdit && !g.includeEdits {
			continue
		}
		kind := models.EventKindCommentCreated
		key := fmt.Sprintf("issue-comment-created:%d", comment.ID)
		if isEdit {
			kind = models.EventKindCommentEdited
			key = fmt.Sprintf("issue-comment-edited:%d:%s", comment.ID, comment.UpdatedAt)
		}
		events = append(events, models.Event{
			Key:            key,
			Kind:           kind,
			ConversationID: conv.ID,
			Actor:          comment.User.Login,
			OccurredAt:     comment.CreatedAt,
			Body:           body,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt != events[j].OccurredAt {
			return events[i].OccurredAt < events[j].OccurredAt
		}
		return events[i].Key < events[j].Key
	})
	return events, nil
}

// FetchReplyBodies returns every comment body authored by botIdentity, used
// to recover processed event keys from embedded footer markers.
func (g *GithubIssuesSource) FetchReplyBodies(ctx context.Context, conv Conversation, botIdentity string) ([]string, error) {
	comments, err := g.fetchIssueComments(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	var bodies []string
	for _, c := range comments {
		if c.User.Login == botIdentity {
			bodies = append(bodies, c.Body)
		}
	}
	return bodies, nil
}

func (g *GithubIssuesSource) PostReply(ctx context.Context, conversationID, body string) (string, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return "", fmt.Errorf("encode comment payload: %w", err)
	}
	var created githubCommentCreated
	path := fmt.Sprintf("/repos/%s/%s/issues/%s/comments", g.owner, g.repo, conversationID)
	if err := g.requestJSON(ctx, "create issue comment", http.MethodPost, path, payload, &created); err != nil {
		return "", err
	}
	return strconv.FormatInt(created.ID, 10), nil
}

func (g *GithubIssuesSource) UpdateReply(ctx context.Context, conversationID, replyID, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("encode comment payload: %w", err)
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%s", g.owner, g.repo, replyID)
	var updated githubCommentCreated
	return g.requestJSON(ctx, "update issue comment", http.MethodPatch, path, payload, &updated)
}

func (g *GithubIssuesSource) fetchIssue(ctx context.Context, number string) (*githubIssue, error) {
	var issue githubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%s", g.owner, g.repo, number)
	if err := g.requestJSON(ctx, "get issue", http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (g *GithubIssuesSource) fetchIssueComments(ctx context.Context, number string) ([]githubComment, error) {
	var comments []githubComment
	page := 1
	for {
		path := fmt.Sprintf("/repos/%s/%s/issues/%s/comments?sort=created&direction=asc&per_page=100&page=%d", g.owner, g.repo, number, page)
		var chunk []githubComment
		if err := g.requestJSON(ctx, "list issue comments", http.MethodGet, path, nil, &chunk); err != nil {
			return nil, err
		}
		comments = append(comments, chunk...)
		if len(chunk) < 100 {
			break
		}
		page++
	}
	return comments, nil
}

// requestJSON issues one GitHub REST call with exponential-backoff retry
// (internal/backoff, the same retry policy the cron scheduler and tool
// executor use elsewhere) and decodes the JSON response into out.
func (g *GithubIssuesSource) requestJSON(ctx context.Context, operation, method, path string, body []byte, out any) error {
	url := g.apiBase + path
	_, err := backoff.RetryFunc(ctx, g.maxRetryAttempts, func(attempt int) (struct{}, error) {
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s: build request: %w", operation, err)
		}
		req.Header.Set("User-Agent", "tau-bridge")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(g.token))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.http.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s: request failed: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return struct{}{}, fmt.Errorf("%s: decode response: %w", operation, err)
				}
			}
			return struct{}{}, nil
		}
		if isRetryableGithubStatus(resp.StatusCode) {
			return struct{}{}, fmt.Errorf("%s: retryable status %d", operation, resp.StatusCode)
		}
		return struct{}{}, fmt.Errorf("%s: status %d", operation, resp.StatusCode)
	})
	return err
}

func isRetryableGithubStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
