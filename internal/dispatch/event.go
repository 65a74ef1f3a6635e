package dispatch

import (
	"time"

	"github.com/howard-nolan/edgeproxy/internal/provider"
)

// EventType names a point in a dispatch's progress.
type EventType string

const (
	// EventAttempt fires before a candidate is tried.
	EventAttempt EventType = "attempt"
	// EventFailure fires after a candidate fails; the chain continues.
	EventFailure EventType = "failure"
	// EventSuccess fires once, for the candidate that produced text.
	EventSuccess EventType = "success"
)

// Event is one progress notification. Outcome and Elapsed are set on
// failure and success events only.
type Event struct {
	DispatchID string
	Type       EventType
	Candidate  Candidate
	Outcome    *provider.Outcome
	Elapsed    time.Duration
}

// Hook receives progress events for a single dispatch.
type Hook func(Event)
