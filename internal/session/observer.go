package session

import (
	"time"

	"github.com/nvandessel/cmrsim/internal/estimate"
)

// Op names a controller command.
type Op string

const (
	OpCreate    Op = "create"
	OpTag       Op = "tag"
	OpRecapture Op = "recapture"
	OpEstimate  Op = "estimate"
	OpReveal    Op = "reveal"
	OpReset     Op = "reset"
)

// Event describes one completed command, successful or rejected.
type Event struct {
	Time      time.Time
	SessionID string
	Op        Op
	Mode      estimate.Mode
	// Requested is the count asked for by tag and recapture, zero otherwise.
	Requested int
	Err       error
	// Snapshot is the state after the command.
	Snapshot Snapshot
	// Result is set on estimate events, including undefined estimates.
	Result *Result
	// TrueSize is set on estimate events so that observers can record
	// accuracy even while the size is hidden from the user.
	TrueSize int
}

// Outcome returns the error code of the event, or "ok".
func (e Event) Outcome() string {
	return Code(e.Err)
}

// Observer is notified after every command. Observers are called without
// the controller lock held and must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Observers fans an event out to each non-nil observer in order.
type Observers []Observer

// Observe implements Observer.
func (obs Observers) Observe(ev Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(ev)
		}
	}
}
