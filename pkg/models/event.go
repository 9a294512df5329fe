package models

import "time"

// Event types appended to session logs. The type is component+verb so the
// export pipeline can filter without parsing payloads.
const (
	EventTypeButtonClick       = "button_click"
	EventTypeSurveySubmission  = "survey_submission"
	EventTypeStateUpdated      = "state_updated"
	EventTypeSessionEnded      = "session_ended"
	EventTypeMatchFound        = "match_found"
	EventTypeMatchTimeout      = "match_timeout"
	EventTypeChatMessage       = "chat_message"
	EventTypeChatEnded         = "chat_ended"
	EventTypeAgentMessage      = "agent_message"
	EventTypeAgentMessageDelta = "agent_message_delta"
	EventTypeAgentError        = "agent_error"
	EventTypeToolCall          = "tool_call"
	EventTypeToolError         = "tool_error"
	EventTypeTyping            = "typing"
	EventTypeHeartbeat         = "heartbeat"
)

// Event is an append-only record of something that happened to a session.
// Sequence is allocated server-side, gap-free, starting at 1.
type Event struct {
	Sequence       int64          `json:"sequence"`
	SessionID      string         `json:"sessionId"`
	Type           string         `json:"type"`
	PageID         string         `json:"pageId,omitempty"`
	ComponentID    string         `json:"componentId,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// StateDelta is one entry of a state_updated payload.
type StateDelta struct {
	Path   string `json:"path"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}
