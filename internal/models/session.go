package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionError     SessionStatus = "error"
)

// IsValidSessionStatus checks if the given session status is valid.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted, SessionExpired, SessionError:
		return true
	default:
		return false
	}
}

// Session is the live execution state of one contact progressing through one flow.
type Session struct {
	ID                string         `json:"id"`
	PhoneNumber       string         `json:"phone_number"`
	ContactID         string         `json:"contact_id"`
	FlowID            string         `json:"flow_id"`
	CurrentNodeID     string         `json:"current_node_id"`
	Status            SessionStatus  `json:"status"`
	Context           map[string]any `json:"context"`
	Trace             []TraceEntry   `json:"execution_trace"`
	LastInteractionAt time.Time      `json:"last_interaction_at"`
	ResumeAt          *time.Time     `json:"resume_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
}

// SessionUpdate is a partial update applied by UpdateSession. Nil fields are left unchanged.
type SessionUpdate struct {
	CurrentNodeID     *string
	Context           map[string]any
	LastInteractionAt *time.Time
	ResumeAt          *time.Time
	ClearResumeAt     bool
}

// TraceAction names what happened in an execution trace entry.
type TraceAction string

const (
	TraceNodeEntered        TraceAction = "node_entered"
	TraceInputCaptured      TraceAction = "input_captured"
	TraceInputInvalid       TraceAction = "input_invalid"
	TraceConditionEvaluated TraceAction = "condition_evaluated"
	TraceButtonSelected     TraceAction = "button_selected"
	TraceMessageSent        TraceAction = "message_sent"
	TraceHTTPCalled         TraceAction = "http_called"
	TraceWebhookFired       TraceAction = "webhook_fired"
	TraceAIGenerated        TraceAction = "ai_generated"
	TraceTagsUpdated        TraceAction = "tags_updated"
	TraceDelayScheduled     TraceAction = "delay_scheduled"
	TraceDelayResumed       TraceAction = "delay_resumed"
	TraceSessionEnded       TraceAction = "session_ended"
	TraceHopLimitExceeded   TraceAction = "hop_limit_exceeded"
)

// TraceEntry is an immutable record of one engine transition. It is only used for
// observability and never read back to drive logic.
type TraceEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"nodeId"`
	NodeType  NodeKind       `json:"nodeType"`
	Action    TraceAction    `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}
