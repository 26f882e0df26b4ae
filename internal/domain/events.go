package domain

import "time"

// EventType enumerates the request event stream.
type EventType string

const (
	EventRoutingStarted EventType = "routing_started"
	EventToolStarted    EventType = "tool_started"
	EventToolFinished   EventType = "tool_finished"
	EventPartialText    EventType = "partial_text"
	EventFinalAnswer    EventType = "final_answer"
	EventFailed         EventType = "failed"
)

// Event is one element of the ProcessRequest stream. Exactly one
// terminal event (final_answer or failed) closes every stream.
type Event struct {
	Seq         uint64    `json:"seq"`
	Type        EventType `json:"type"`
	RequestID   string    `json:"requestId"`
	ConnectorID string    `json:"connectorId,omitempty"`
	Tool        string    `json:"tool,omitempty"`
	Success     bool      `json:"success,omitempty"`
	Text        string    `json:"text,omitempty"`
	Answer      *Answer   `json:"answer,omitempty"`
	Err         *Error    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
