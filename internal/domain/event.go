package domain

import "time"

// EventKind classifies a ledger observation.
type EventKind string

const (
	EventBorrow  EventKind = "borrow"
	EventReturn  EventKind = "return"
	EventFailure EventKind = "failure"
)

// Failure reasons attached to EventFailure events.
const (
	FailureUnknownTool = "unknown_tool"
	FailureExhausted   = "exhausted"
	FailureMaxOverage  = "max_overage"
	FailureDeactivated = "deactivated"
)

// Event is a ledger observation record. Events are appended by the
// same call path that commits the ledger mutation they describe and
// retained only inside the telemetry buffer window; they are not
// authoritative state.
type Event struct {
	Kind      EventKind `json:"kind"`
	Tool      string    `json:"tool"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	IsOverage bool      `json:"is_overage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// EventSink consumes ledger events. Implementations are best-effort:
// Record must never fail the ledger operation it accompanies, so it
// returns nothing and swallows (but may log) internal errors.
type EventSink interface {
	Record(event Event)
}
