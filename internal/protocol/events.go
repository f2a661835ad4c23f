package protocol

import "time"

// LifecycleEvent is published on the bus and recorded in the event store. It
// carries metadata only, never audio or transcript content.
type LifecycleEvent struct {
	SessionID  string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	TurnID     string    `json:"turn_id,omitempty"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome,omitempty"`
	Category   string    `json:"category,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	EventSessionOpened = "session_opened"
	EventSessionClosed = "session_closed"
	EventTurnStarted   = "turn_started"
	EventToolCall      = "tool_call"
	EventTurnFinished  = "turn_finished"
)

const SubjectLifecyclePrefix = "live.events"

// Subject returns the bus subject for an event kind.
func Subject(kind string) string {
	return SubjectLifecyclePrefix + "." + kind
}
