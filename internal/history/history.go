package history

import (
	"context"
	"time"
)

// EventType defines the kind of solver lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// Record describes one solver process as seen by history sinks.
// ExitStatus and WallSeconds are only meaningful on finish events.
type Record struct {
	Name        string    `json:"name"`
	PID         int       `json:"pid"`
	GroupID     int       `json:"group_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	ExitStatus  int       `json:"exit_status"`
	WallSeconds float64   `json:"wall_seconds"`
}

// Event is a lifecycle event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
