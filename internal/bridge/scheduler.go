package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tauagent/tau/internal/channels"
	"github.com/tauagent/tau/internal/compaction"
	"github.com/tauagent/tau/internal/sessions"
	"github.com/tauagent/tau/pkg/models"
)

// maxReplyBodyBytes stays comfortably under GitHub's 65536-byte issue
// comment limit; a reply longer than this is split into follow-up comments
// via the teacher's channels.MessageChunker rather than truncated.
const maxReplyBodyBytes = 60000

// activeRun tracks one in-flight dispatch for a conversation. At most one
// of these exists per conversation at a time (§5: each bridge conversation
// owns at most one active run task).
type activeRun struct {
	runID            string
	eventKey         string
	startedUnixMs    int64
	started          time.Time
	placeholderID    string
	cancel           context.CancelFunc
	cancelRequested  bool
	done             chan runOutcome
}

// runOutcome is what a dispatched run reports back once it finishes,
// mirroring the teacher's RunTaskResult.
type runOutcome struct {
	conversationID string
	eventKey       string
	runID          string
	startedUnixMs  int64
	completedUnixMs int64
	durationMs     int64
	status         string // completed | cancelled | failed
	repliedID      string
	inputTokens    int
	outputTokens   int
	totalTokens    int
	err            error
}

// latestRun is the most recent completed run for a conversation, reported
// by "/pi status".
type latestRun struct {
	runID           string
	eventKey        string
	status          string
	startedUnixMs   int64
	completedUnixMs int64
	durationMs      int64
}

// Scheduler is the transport bridge scheduler (§4.4): it polls a Source
// for new conversation activity, dispatches recognized commands or plain
// prompts to a PromptRunner, and writes replies back through the Source.
type Scheduler struct {
	cfg    Config
	source Source
	runner PromptRunner
	store  sessions.Store

	state     *StateStore
	inbound   *EventLog
	outbound  *EventLog
	logger    *slog.Logger
	chunker   *channels.MessageChunker

	botIdentity string

	mu         sync.Mutex
	active     map[string]*activeRun
	latest     map[string]*latestRun

	runWG   sync.WaitGroup
	started bool
}

// NewScheduler wires a Scheduler from its dependencies. statePath is the
// bridge state JSON file; inboundLogPath/outboundLogPath are the JSONL
// event logs (§6).
func NewScheduler(cfg Config, source Source, runner PromptRunner, store sessions.Store, statePath, inboundLogPath, outboundLogPath string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	state, err := LoadStateStore(statePath, cfg.ProcessedEventsCap)
	if err != nil {
		return nil, err
	}
	inbound, err := OpenEventLog(inboundLogPath)
	if err != nil {
		return nil, err
	}
	outbound, err := OpenEventLog(outboundLogPath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:      cfg,
		source:   source,
		runner:   runner,
		store:    store,
		state:    state,
		inbound:  inbound,
		outbound: outbound,
		logger:   logger.With("component", "bridge", "source", source.Name()),
		chunker:  channels.NewMessageChunker(maxReplyBodyBytes),
		active:   make(map[string]*activeRun),
		latest:   make(map[string]*latestRun),
	}, nil
}

// postReplyChunked posts body as one reply, or as a primary reply plus
// follow-up comments when it exceeds maxReplyBodyBytes, returning the first
// reply's id.
func (s *Scheduler) postReplyChunked(ctx context.Context, conversationID, body string) (string, error) {
	parts := s.chunker.ChunkMarkdown(body)
	if len(parts) == 0 {
		parts = []string{body}
	}
	firstID, err := s.source.PostReply(ctx, conversationID, parts[0])
	if err != nil {
		return "", err
	}
	for _, part := range parts[1:] {
		if _, err := s.source.PostReply(ctx, conversationID, part); err != nil {
			s.logger.Warn("post follow-up chunk failed", "conversation", conversationID, "error", err)
		}
	}
	return firstID, nil
}

// updateReplyChunked edits replyID with the first chunk of body, posting any
// remaining chunks as follow-up comments, returning the id of the reply that
// now holds the final chunk (for footer/event-key recovery purposes the
// first chunk's id is sufficient since every chunk after it carries no
// footer marker).
func (s *Scheduler) updateReplyChunked(ctx context.Context, conversationID, replyID, body string) (string, error) {
	parts := s.chunker.ChunkMarkdown(body)
	if len(parts) == 0 {
		parts = []string{body}
	}
	if err := s.source.UpdateReply(ctx, conversationID, replyID, parts[0]); err != nil {
		return "", err
	}
	for _, part := range parts[1:] {
		if _, err := s.source.PostReply(ctx, conversationID, part); err != nil {
			s.logger.Warn("post follow-up chunk failed", "conversation", conversationID, "error", err)
		}
	}
	return replyID, nil
}

// Run blocks, polling on cfg.PollInterval until ctx is cancelled. On
// return, every in-flight run has been drained (§5 drain policy applies on
// shutdown as well as after each cycle).
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.botIdentity == "" {
		identity, err := s.source.ResolveBotIdentity(ctx)
		if err != nil {
			return fmt.Errorf("resolve bot identity: %w", err)
		}
		s.botIdentity = identity
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		report, err := s.pollOnce(ctx)
		if err != nil {
			s.logger.Warn("bridge poll error", "error", err)
		} else {
			s.logger.Info("bridge poll",
				"discovered", report.DiscoveredEvents,
				"processed", report.ProcessedEvents,
				"duplicate_skips", report.SkippedDuplicateEvents,
				"failed", report.FailedEvents,
			)
		}

		select {
		case <-ctx.Done():
			s.drainAll()
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce runs the nine-step poll cycle documented in §4.4.
func (s *Scheduler) pollOnce(ctx context.Context) (PollReport, error) {
	var report PollReport
	dirty := false

	// 1. drain finished runs from the previous cycle.
	s.drainFinished(&report)

	// 2. fetch conversations updated since the cursor.
	conversations, err := s.source.ListConversationsUpdatedSince(ctx, s.state.Cursor())
	if err != nil {
		return report, fmt.Errorf("list conversations: %w", err)
	}

	cursor := s.state.Cursor()
	for _, conv := range conversations {
		if conv.UpdatedAt > cursor {
			cursor = conv.UpdatedAt
		}

		// 3. recover processed keys embedded in the bridge's own replies,
		// so state loss never causes a duplicate response.
		replies, err := s.source.FetchReplyBodies(ctx, conv, s.botIdentity)
		if err != nil {
			s.logger.Warn("fetch reply bodies failed", "conversation", conv.ID, "error", err)
		}
		for _, body := range replies {
			for _, key := range extractFooterEventKeys(body) {
				if s.state.MarkProcessed(key) {
					dirty = true
				}
			}
		}

		// 4. collect candidate events (already filtered/sorted by the source).
		events, err := s.source.FetchEvents(ctx, conv, s.botIdentity)
		if err != nil {
			s.logger.Warn("fetch events failed", "conversation", conv.ID, "error", err)
			continue
		}

		for _, event := range events {
			report.DiscoveredEvents++

			// 5. skip events already known, else append inbound log and dispatch.
			if s.state.IsProcessed(event.Key) {
				report.SkippedDuplicateEvents++
				continue
			}
			_ = s.inbound.Append(map[string]any{
				"timestamp_unix_ms": nowUnixMs(),
				"source":            s.source.Name(),
				"event_key":         event.Key,
				"conversation_id":   event.ConversationID,
				"kind":              string(event.Kind),
			})

			s.dispatch(ctx, conv, event, &report, &dirty)
		}
	}

	// 9. advance the cursor and persist only if something changed.
	if s.state.AdvanceCursor(cursor) {
		dirty = true
	}
	if dirty {
		if err := s.state.Save(); err != nil {
			return report, fmt.Errorf("save bridge state: %w", err)
		}
	}
	return report, nil
}

// dispatch parses the event body into a command (or RunPrompt fallback)
// and executes it (§4.4 steps 6-8).
func (s *Scheduler) dispatch(ctx context.Context, conv Conversation, event models.Event, report *PollReport, dirty *bool) {
	cmd := parseCommand(event.Body)
	switch cmd.Kind {
	case CommandRun:
		prompt := cmd.Prompt
		if prompt == "" {
			prompt = event.Body
		}
		s.enqueueRun(ctx, conv, event, prompt, report, dirty)
	case CommandSummarize:
		s.enqueueRun(ctx, conv, event, buildSummarizePrompt(conv, cmd.Focus), report, dirty)
	case CommandStop:
		s.handleStop(ctx, conv, event, report, dirty)
	case CommandStatus:
		s.handleStatus(ctx, conv, event, report, dirty)
	case CommandCompact:
		s.handleCompact(ctx, conv, event, report, dirty)
	case CommandInvalid:
		s.postAndMark(ctx, conv, event, cmd.Usage, "usage_reported", report, dirty)
	}
}

// enqueueRun posts a placeholder reply and spawns the prompt run task,
// mirroring enqueue_issue_run. If a run is already active for this
// conversation it posts a busy notice instead of starting a second one.
func (s *Scheduler) enqueueRun(ctx context.Context, conv Conversation, event models.Event, prompt string, report *PollReport, dirty *bool) {
	s.mu.Lock()
	if existing, ok := s.active[conv.ID]; ok {
		s.mu.Unlock()
		s.postAndMark(ctx, conv, event, fmt.Sprintf("A run is already active for this conversation (`%s`).", existing.runID), "run_active", report, dirty)
		return
	}
	s.mu.Unlock()

	runID := fmt.Sprintf("bridge-%s-%s", conv.ID, uuid.NewString()[:8])
	startedUnixMs := nowUnixMs()

	placeholder := fmt.Sprintf("_tau is working on run `%s` for event `%s`..._", runID, event.Key)
	placeholderID, err := s.source.PostReply(ctx, conv.ID, placeholder)
	if err != nil {
		s.logger.Warn("post placeholder reply failed", "conversation", conv.ID, "error", err)
		report.FailedEvents++
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		runID:         runID,
		eventKey:      event.Key,
		startedUnixMs: startedUnixMs,
		started:       time.Now(),
		placeholderID: placeholderID,
		cancel:        cancel,
		done:          make(chan runOutcome, 1),
	}

	s.mu.Lock()
	s.active[conv.ID] = run
	s.mu.Unlock()

	s.runWG.Add(1)
	go s.runTask(runCtx, conv, event, prompt, run)

	if s.state.MarkProcessed(event.Key) {
		*dirty = true
	}
	report.ProcessedEvents++
	_ = s.outbound.Append(map[string]any{
		"timestamp_unix_ms":    startedUnixMs,
		"source":               s.source.Name(),
		"event_key":            event.Key,
		"conversation_id":       conv.ID,
		"run_id":                runID,
		"status":                "run_started",
		"placeholder_reply_id":  placeholderID,
	})
}

// runTask executes the prompt against the PromptRunner and reports the
// outcome on run.done. It always fires exactly once, cancelled or not.
func (s *Scheduler) runTask(ctx context.Context, conv Conversation, event models.Event, prompt string, run *activeRun) {
	defer s.runWG.Done()

	sessionKey := fmt.Sprintf("bridge/%s/%s", s.source.Name(), conv.ID)
	session, err := s.store.GetOrCreate(ctx, sessionKey, s.cfg.AgentID, s.cfg.Channel, conv.ID)
	if err != nil {
		run.done <- runOutcome{
			conversationID: conv.ID, eventKey: event.Key, runID: run.runID,
			startedUnixMs: run.startedUnixMs, completedUnixMs: nowUnixMs(),
			durationMs: time.Since(run.started).Milliseconds(),
			status: "failed", err: err,
		}
		return
	}

	formatted := renderEventPrompt(s.source.Name(), conv, event, prompt)
	chunks, err := s.runner.Run(ctx, session, &models.Message{Role: models.RoleUser, Content: formatted})
	if err != nil {
		run.done <- runOutcome{
			conversationID: conv.ID, eventKey: event.Key, runID: run.runID,
			startedUnixMs: run.startedUnixMs, completedUnixMs: nowUnixMs(),
			durationMs: time.Since(run.started).Milliseconds(),
			status: "failed", err: err,
		}
		return
	}

	var reply strings.Builder
	var runErr error
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			runErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			reply.WriteString(chunk.Text)
		}
	}

	status := "completed"
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
	case runErr != nil:
		status = "failed"
	}

	body := reply.String()
	tokensIn := compaction.EstimateTokens(&compaction.Message{Content: formatted})
	tokensOut := compaction.EstimateTokens(&compaction.Message{Content: body})

	completedUnixMs := nowUnixMs()
	outcome := runOutcome{
		conversationID:  conv.ID,
		eventKey:        event.Key,
		runID:           run.runID,
		startedUnixMs:   run.startedUnixMs,
		completedUnixMs: completedUnixMs,
		durationMs:      time.Since(run.started).Milliseconds(),
		status:          status,
		inputTokens:     tokensIn,
		outputTokens:    tokensOut,
		totalTokens:     tokensIn + tokensOut,
		err:             runErr,
	}

	finalBody := renderReplyBody(event.Key, run.runID, status, body, runErr, outcome.inputTokens, outcome.outputTokens, outcome.totalTokens)
	if id, err := s.updateReplyChunked(context.WithoutCancel(ctx), conv.ID, run.placeholderID, finalBody); err != nil {
		s.logger.Warn("update placeholder reply failed, posting fresh reply", "conversation", conv.ID, "error", err)
		if id, postErr := s.postReplyChunked(context.WithoutCancel(ctx), conv.ID, finalBody); postErr == nil {
			outcome.repliedID = id
		}
	} else {
		outcome.repliedID = id
	}

	run.done <- outcome
}

// drainFinished removes any activeRuns whose task has completed, folding
// their outcome into latestRuns and the outbound log, without blocking on
// runs still in flight.
func (s *Scheduler) drainFinished(report *PollReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conversationID, run := range s.active {
		select {
		case outcome := <-run.done:
			s.recordOutcome(conversationID, outcome, report)
			delete(s.active, conversationID)
		default:
		}
	}
}

// drainAll blocks until every in-flight run has reported its outcome,
// used on shutdown so no task is abandoned mid-run.
func (s *Scheduler) drainAll() {
	s.mu.Lock()
	runs := make(map[string]*activeRun, len(s.active))
	for k, v := range s.active {
		runs[k] = v
	}
	s.mu.Unlock()

	var report PollReport
	for conversationID, run := range runs {
		outcome := <-run.done
		s.mu.Lock()
		s.recordOutcome(conversationID, outcome, &report)
		delete(s.active, conversationID)
		s.mu.Unlock()
	}
	s.runWG.Wait()
}

// recordOutcome must be called with s.mu held.
func (s *Scheduler) recordOutcome(conversationID string, outcome runOutcome, report *PollReport) {
	s.latest[conversationID] = &latestRun{
		runID:           outcome.runID,
		eventKey:        outcome.eventKey,
		status:          outcome.status,
		startedUnixMs:   outcome.startedUnixMs,
		completedUnixMs: outcome.completedUnixMs,
		durationMs:      outcome.durationMs,
	}
	if outcome.status == "failed" {
		report.FailedEvents++
	}
	errText := ""
	if outcome.err != nil {
		errText = outcome.err.Error()
	}
	_ = s.outbound.Append(map[string]any{
		"timestamp_unix_ms": outcome.completedUnixMs,
		"source":            s.source.Name(),
		"event_key":         outcome.eventKey,
		"conversation_id":   conversationID,
		"run_id":            outcome.runID,
		"status":            outcome.status,
		"duration_ms":       outcome.durationMs,
		"input_tokens":      outcome.inputTokens,
		"output_tokens":     outcome.outputTokens,
		"total_tokens":      outcome.totalTokens,
		"replied_id":        outcome.repliedID,
		"error":             errText,
	})
}

// handleStop cancels the active run for conv, if any (§4.4 step 8).
func (s *Scheduler) handleStop(ctx context.Context, conv Conversation, event models.Event, report *PollReport, dirty *bool) {
	s.mu.Lock()
	run, ok := s.active[conv.ID]
	var message string
	switch {
	case !ok:
		message = "No active run for this conversation. Current state is idle."
	case run.cancelRequested:
		message = fmt.Sprintf("Stop has already been requested for run `%s`.", run.runID)
	default:
		run.cancelRequested = true
		run.cancel()
		message = fmt.Sprintf("Cancellation requested for run `%s` (event `%s`).", run.runID, run.eventKey)
	}
	s.mu.Unlock()

	s.postAndMark(ctx, conv, event, message, "acknowledged", report, dirty)
}

// handleStatus reports the active and latest run for conv (§4.4 step 8).
func (s *Scheduler) handleStatus(ctx context.Context, conv Conversation, event models.Event, report *PollReport, dirty *bool) {
	s.mu.Lock()
	active, hasActive := s.active[conv.ID]
	latest, hasLatest := s.latest[conv.ID]
	s.mu.Unlock()

	state := "idle"
	if hasActive {
		state = "running"
	}
	lines := []string{fmt.Sprintf("tau bridge status for conversation `%s`: %s", conv.ID, state)}
	if hasActive {
		lines = append(lines,
			fmt.Sprintf("active_run_id: %s", active.runID),
			fmt.Sprintf("active_event_key: %s", active.eventKey),
			fmt.Sprintf("active_elapsed_ms: %d", time.Since(active.started).Milliseconds()),
			fmt.Sprintf("cancellation_requested: %t", active.cancelRequested),
		)
	} else {
		lines = append(lines, "active_run_id: none")
	}
	if hasLatest {
		lines = append(lines,
			fmt.Sprintf("latest_run_id: %s", latest.runID),
			fmt.Sprintf("latest_status: %s", latest.status),
			fmt.Sprintf("latest_duration_ms: %d", latest.durationMs),
		)
	} else {
		lines = append(lines, "latest_run_id: none")
	}

	s.postAndMark(ctx, conv, event, strings.Join(lines, "\n"), "reported", report, dirty)
}

// handleCompact reports a best-effort compaction estimate for the
// conversation's session history. Rewriting the persisted session file in
// place is out of scope: sessions.Store exposes GetHistory/AppendMessage
// but no history-replacement primitive, so this surfaces what a compaction
// pass would remove without performing a destructive rewrite.
func (s *Scheduler) handleCompact(ctx context.Context, conv Conversation, event models.Event, report *PollReport, dirty *bool) {
	sessionKey := fmt.Sprintf("bridge/%s/%s", s.source.Name(), conv.ID)
	session, err := s.store.GetOrCreate(ctx, sessionKey, s.cfg.AgentID, s.cfg.Channel, conv.ID)
	if err != nil {
		s.postAndMark(ctx, conv, event, fmt.Sprintf("Compaction failed: %s", err), "failed", report, dirty)
		return
	}
	history, err := s.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		s.postAndMark(ctx, conv, event, fmt.Sprintf("Compaction failed: %s", err), "failed", report, dirty)
		return
	}

	messages := make([]*compaction.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, &compaction.Message{Role: string(m.Role), Content: m.Content, Timestamp: m.CreatedAt.Unix(), ID: m.ID})
	}
	result := compaction.PruneHistoryForContextShare(messages, compaction.ResolveContextWindowTokens(0, 0), 0.5, 2)

	summary := fmt.Sprintf(
		"Session compact estimate for conversation `%s`.\n\nremoved_entries=%d retained_entries=%d",
		conv.ID, result.DroppedMessages, len(messages)-result.DroppedMessages,
	)
	s.postAndMark(ctx, conv, event, summary, "completed", report, dirty)
}

// postAndMark posts body as a reply, logs it to the outbound log, and
// marks event processed — the shape shared by stop/status/compact/invalid.
func (s *Scheduler) postAndMark(ctx context.Context, conv Conversation, event models.Event, body, status string, report *PollReport, dirty *bool) {
	repliedID, err := s.postReplyChunked(ctx, conv.ID, body)
	if err != nil {
		s.logger.Warn("post reply failed", "conversation", conv.ID, "error", err)
		report.FailedEvents++
		return
	}
	_ = s.outbound.Append(map[string]any{
		"timestamp_unix_ms": nowUnixMs(),
		"source":            s.source.Name(),
		"event_key":         event.Key,
		"conversation_id":   conv.ID,
		"status":            status,
		"replied_id":        repliedID,
	})
	if s.state.MarkProcessed(event.Key) {
		*dirty = true
	}
	report.ProcessedEvents++
}

func renderEventPrompt(sourceName string, conv Conversation, event models.Event, prompt string) string {
	return fmt.Sprintf(
		"You are responding as tau inside %s.\nConversation: %s (%s)\nAuthor: %s\nEvent: %s\n\nUser message:\n%s\n\nProvide a direct, actionable response suitable for a reply in this thread.",
		sourceName, conv.ID, conv.Title, event.Actor, string(event.Kind), prompt,
	)
}

func renderReplyBody(eventKey, runID, status, body string, runErr error, inputTokens, outputTokens, totalTokens int) string {
	if runErr != nil {
		return fmt.Sprintf(
			"tau run `%s` failed for event `%s`.\n\nError: `%s`%s",
			runID, eventKey, truncateForError(runErr.Error(), 600),
			renderFooter(eventKey, runID, "failed", "unavailable", 0, 0, 0),
		)
	}
	text := strings.TrimSpace(body)
	if text == "" {
		text = "I couldn't generate a textual response for this event."
	}
	return text + renderFooter(eventKey, runID, status, "", int64(inputTokens), int64(outputTokens), int64(totalTokens))
}

func truncateForError(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}
