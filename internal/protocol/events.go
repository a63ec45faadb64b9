package protocol

import (
	"encoding/json"
)

// Backend event tags carried inside a Claude message.
const (
	EventTextDelta         = "text_delta"
	EventThinkingDelta     = "thinking_delta"
	EventToolUseStart      = "tool_use_start"
	EventToolInputDelta    = "tool_input_delta"
	EventToolResult        = "tool_result"
	EventTurnStart         = "turn_start"
	EventTurnComplete      = "turn_complete"
	EventError             = "error"
	EventPermissionRequest = "permission_request"
)

// ClaudeEvent is the closed set of events the inference backend emits.
// The backend itself is a black box; only the shapes below cross the wire.
type ClaudeEvent interface {
	claudeEvent()
	eventType() string
}

// Usage counts tokens consumed by one turn.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
}

// TextDelta is one increment of assistant-visible text.
type TextDelta struct {
	Text string `json:"text"`
}

// ThinkingDelta is one increment of assistant reasoning text.
type ThinkingDelta struct {
	Text string `json:"text"`
}

// ToolUseStart announces that the backend began invoking a tool.
type ToolUseStart struct {
	ToolID   string `json:"tool_id"`
	ToolName string `json:"tool_name"`
}

// ToolInputDelta is one increment of a tool's input payload.
type ToolInputDelta struct {
	ToolID string `json:"tool_id"`
	Delta  string `json:"delta"`
}

// ToolResult carries the outcome of a completed tool invocation.
type ToolResult struct {
	ToolID  string `json:"tool_id"`
	Content string `json:"content"`
}

// TurnStart marks the beginning of one assistant turn.
type TurnStart struct{}

// TurnComplete marks the end of one assistant turn and reports its usage.
type TurnComplete struct {
	Usage Usage `json:"usage"`
}

// StreamError reports a backend failure. Recoverable errors leave the session
// running; unrecoverable ones force it to Failed.
type StreamError struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// PermissionRequestEvent asks the user to approve a sensitive action before
// the backend performs it.
type PermissionRequestEvent struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Description string `json:"description"`
}

func (TextDelta) claudeEvent()              {}
func (ThinkingDelta) claudeEvent()          {}
func (ToolUseStart) claudeEvent()           {}
func (ToolInputDelta) claudeEvent()         {}
func (ToolResult) claudeEvent()             {}
func (TurnStart) claudeEvent()              {}
func (TurnComplete) claudeEvent()           {}
func (StreamError) claudeEvent()            {}
func (PermissionRequestEvent) claudeEvent() {}

func (TextDelta) eventType() string              { return EventTextDelta }
func (ThinkingDelta) eventType() string          { return EventThinkingDelta }
func (ToolUseStart) eventType() string           { return EventToolUseStart }
func (ToolInputDelta) eventType() string         { return EventToolInputDelta }
func (ToolResult) eventType() string             { return EventToolResult }
func (TurnStart) eventType() string              { return EventTurnStart }
func (TurnComplete) eventType() string           { return EventTurnComplete }
func (StreamError) eventType() string            { return EventError }
func (PermissionRequestEvent) eventType() string { return EventPermissionRequest }

// EncodeClaudeEvent renders an event as a tagged JSON object.
func EncodeClaudeEvent(ev ClaudeEvent) ([]byte, error) {
	return tagged(ev.eventType(), ev)
}

// DecodeClaudeEvent parses a tagged event object back into its variant.
func DecodeClaudeEvent(data []byte) (ClaudeEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, protoErrf("malformed event: %v", err)
	}

	switch head.Type {
	case EventTextDelta:
		var ev TextDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed text_delta: %v", err)
		}
		return ev, nil
	case EventThinkingDelta:
		var ev ThinkingDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed thinking_delta: %v", err)
		}
		return ev, nil
	case EventToolUseStart:
		var ev ToolUseStart
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed tool_use_start: %v", err)
		}
		return ev, nil
	case EventToolInputDelta:
		var ev ToolInputDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed tool_input_delta: %v", err)
		}
		return ev, nil
	case EventToolResult:
		var ev ToolResult
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed tool_result: %v", err)
		}
		return ev, nil
	case EventTurnStart:
		return TurnStart{}, nil
	case EventTurnComplete:
		var ev TurnComplete
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed turn_complete: %v", err)
		}
		return ev, nil
	case EventError:
		var ev StreamError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed error event: %v", err)
		}
		if ev.Message == "" {
			return nil, protoErrf("error event requires message")
		}
		return ev, nil
	case EventPermissionRequest:
		var ev PermissionRequestEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, protoErrf("malformed permission_request: %v", err)
		}
		if ev.ID == "" || ev.Tool == "" {
			return nil, protoErrf("permission_request requires id and tool")
		}
		return ev, nil
	default:
		return nil, protoErrf("unknown event type %q", head.Type)
	}
}
