package agent

import (
	"encoding/json"
	"strings"

	"github.com/tauagent/tau/pkg/models"
)

// DirectiveKind classifies a recognized tool-result directive.
type DirectiveKind string

const (
	DirectiveNone     DirectiveKind = ""
	DirectiveSkip     DirectiveKind = "skip"
	DirectiveReact    DirectiveKind = "react"
	DirectiveSendFile DirectiveKind = "send_file"
	DirectiveBranch   DirectiveKind = "branch"
)

// Directive is a structured instruction a tool result payload carries to
// the turn loop: terminate the run without a further model call (skip,
// react, send_file) or spawn a sub-run (branch).
type Directive struct {
	Kind         DirectiveKind
	ReasonCode   string
	Emoji        string
	MessageID    string
	Message      string
	FilePath     string
	BranchPath   string
	BranchPrompt string
	RawPayload   map[string]any
}

// defaultReasonCodes normalizes a blank/whitespace-only reason_code to the
// directive kind's documented default, per the spec's duplicate-suppression
// open question.
var defaultReasonCodes = map[DirectiveKind]string{
	DirectiveSkip:     "skip_suppressed",
	DirectiveReact:    "react_requested",
	DirectiveSendFile: "send_file_requested",
}

// DetectDirective inspects a tool result's content for a reserved directive
// payload. Directives are only honored when the result is not an error;
// callers must check IsError themselves before calling this (or rely on the
// IsError==false guard here, which always returns DirectiveNone otherwise).
func DetectDirective(result models.ToolResult) Directive {
	if result.IsError {
		return Directive{Kind: DirectiveNone}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		return Directive{Kind: DirectiveNone}
	}

	kind := classifyPayload(payload)
	if kind == DirectiveNone {
		return Directive{Kind: DirectiveNone, RawPayload: payload}
	}

	reasonCode := normalizeReasonCode(kind, stringField(payload, "reason_code"))

	d := Directive{
		Kind:       kind,
		ReasonCode: reasonCode,
		RawPayload: payload,
	}
	switch kind {
	case DirectiveReact:
		d.Emoji = stringField(payload, "emoji")
		d.MessageID = stringField(payload, "message_id")
	case DirectiveSendFile:
		d.FilePath = stringField(payload, "file_path")
		d.Message = stringField(payload, "message")
	case DirectiveBranch:
		d.BranchPath = stringField(payload, "path")
		d.BranchPrompt = stringField(payload, "prompt")
	}
	return d
}

func classifyPayload(payload map[string]any) DirectiveKind {
	action := stringField(payload, "action")
	if boolField(payload, "skip_response") || action == "skip_response" {
		return DirectiveSkip
	}
	if (boolField(payload, "react_response") || action == "react_response") && boolField(payload, "suppress_response") {
		return DirectiveReact
	}
	if boolField(payload, "send_file_response") || action == "send_file_response" {
		return DirectiveSendFile
	}
	if reasonCode := stringField(payload, "reason_code"); reasonCode == "session_branch_created" {
		return DirectiveBranch
	}
	return DirectiveNone
}

func normalizeReasonCode(kind DirectiveKind, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return defaultReasonCodes[kind]
	}
	return raw
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(payload map[string]any, key string) bool {
	if v, ok := payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
