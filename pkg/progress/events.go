// Package progress provides the request-scoped progress bus: a bounded,
// many-producer single-consumer queue of pipeline events.
package progress

import "time"

// EventType identifies the kind of a progress event.
type EventType string

const (
	EventPhaseStart    EventType = "phase_start"
	EventProgress      EventType = "progress"
	EventPhaseComplete EventType = "phase_complete"
	EventComplete      EventType = "complete"
	EventError         EventType = "error"
	EventExpertError   EventType = "expert_error"
)

// Event is one progress update. Events are encoded as single-line JSON on
// an SSE data: line; Data must therefore marshal without embedded newlines
// (encoding/json guarantees this for the types used here).
type Event struct {
	EventType EventType      `json:"event_type"`
	Phase     string         `json:"phase,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	ExpertID  string         `json:"expert_id,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, phase, status, message string) Event {
	return Event{
		EventType: t,
		Phase:     phase,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithExpert returns a copy of the event tagged with an expert id.
func (e Event) WithExpert(expertID string) Event {
	e.ExpertID = expertID
	return e
}

// WithData returns a copy of the event carrying a data payload.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}
