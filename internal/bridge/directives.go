package bridge

import (
	"fmt"
	"strings"
)

// eventKeyMarkerPrefix and eventKeyMarkerSuffix bracket the event key
// embedded in every reply footer (§6 event-key footer marker format),
// letting a scheduler that lost its local state recover which events it
// already answered by re-scanning reply history.
const (
	eventKeyMarkerPrefix = "<!-- tau-bridge-event-key:"
	eventKeyMarkerSuffix = " -->"
)

// renderFooter builds the reply footer: the event-key marker followed by
// the human-readable run summary line.
func renderFooter(eventKey, runID, status, model string, inputTokens, outputTokens, totalTokens int64) string {
	return fmt.Sprintf(
		"\n---\n%s%s%s\n_tau run `%s` | status `%s` | model `%s` | tokens in/out/total `%d/%d/%d` | cost `unavailable`_",
		eventKeyMarkerPrefix, eventKey, eventKeyMarkerSuffix,
		runID, status, model, inputTokens, outputTokens, totalTokens,
	)
}

// extractFooterEventKeys pulls every event key embedded in text via the
// footer marker format, in order of appearance.
func extractFooterEventKeys(text string) []string {
	var keys []string
	cursor := text
	for {
		start := strings.Index(cursor, eventKeyMarkerPrefix)
		if start < 0 {
			break
		}
		rest := cursor[start+len(eventKeyMarkerPrefix):]
		end := strings.Index(rest, eventKeyMarkerSuffix)
		if end < 0 {
			break
		}
		key := strings.TrimSpace(rest[:end])
		if key != "" {
			keys = append(keys, key)
		}
		cursor = rest[end+len(eventKeyMarkerSuffix):]
	}
	return keys
}

// CommandKind classifies a parsed "/pi" slash command.
type CommandKind string

const (
	CommandRun       CommandKind = "run"
	CommandStop      CommandKind = "stop"
	CommandStatus    CommandKind = "status"
	CommandCompact   CommandKind = "compact"
	CommandSummarize CommandKind = "summarize"
	CommandInvalid   CommandKind = "invalid"
)

// Command is a parsed slash command, or the RunPrompt fallback when the
// body carries no recognized command prefix.
type Command struct {
	Kind    CommandKind
	Prompt  string // CommandRun
	Focus   string // CommandSummarize, optional
	Usage   string // CommandInvalid
	IsPlain bool   // true when body had no "/pi" prefix at all (RunPrompt path)
}

const commandPrefix = "/pi"

// commandUsage lists the supported slash commands, echoed back on
// unrecognized input.
func commandUsage() string {
	return strings.Join([]string{
		"Supported `/pi` commands:",
		"- `/pi run <prompt>`",
		"- `/pi stop`",
		"- `/pi status`",
		"- `/pi compact`",
		"- `/pi summarize [focus]`",
	}, "\n")
}

// parseCommand recognizes a "/pi run|stop|status|compact|summarize [focus]"
// slash command in body. A body with no "/pi" prefix is not a command at
// all — it dispatches straight to the RunPrompt path.
func parseCommand(body string) Command {
	trimmed := strings.TrimSpace(body)
	fields := strings.Fields(trimmed)
	if len(fields) == 0 || fields[0] != commandPrefix {
		return Command{Kind: CommandRun, Prompt: trimmed, IsPlain: true}
	}

	args := strings.TrimSpace(trimmed[len(commandPrefix):])
	if args == "" {
		return Command{Kind: CommandInvalid, Usage: commandUsage()}
	}

	parts := strings.SplitN(args, " ", 2)
	name := parts[0]
	remainder := ""
	if len(parts) == 2 {
		remainder = strings.TrimSpace(parts[1])
	}

	switch name {
	case "run":
		if remainder == "" {
			return Command{Kind: CommandInvalid, Usage: "Usage: /pi run <prompt>"}
		}
		return Command{Kind: CommandRun, Prompt: remainder}
	case "stop":
		if remainder != "" {
			return Command{Kind: CommandInvalid, Usage: "Usage: /pi stop"}
		}
		return Command{Kind: CommandStop}
	case "status":
		if remainder != "" {
			return Command{Kind: CommandInvalid, Usage: "Usage: /pi status"}
		}
		return Command{Kind: CommandStatus}
	case "compact":
		if remainder != "" {
			return Command{Kind: CommandInvalid, Usage: "Usage: /pi compact"}
		}
		return Command{Kind: CommandCompact}
	case "summarize":
		return Command{Kind: CommandSummarize, Focus: remainder}
	default:
		return Command{Kind: CommandInvalid, Usage: fmt.Sprintf("Unknown command `%s`.\n\n%s", name, commandUsage())}
	}
}

// buildSummarizePrompt renders the structured summarize prompt dispatched
// through the RunPrompt path when a "/pi summarize" command is handled.
func buildSummarizePrompt(conv Conversation, focus string) string {
	if focus == "" {
		return fmt.Sprintf(
			"Summarize the current conversation %q.\nInclude decisions, open questions, blockers, and immediate next steps.",
			conv.ID,
		)
	}
	return fmt.Sprintf(
		"Summarize the current conversation %q with focus on: %s.\nInclude decisions, open questions, blockers, and immediate next steps.",
		conv.ID, focus,
	)
}
