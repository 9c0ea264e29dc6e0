// Package history keeps a bounded journal of coordinator sessions, built from
// the notifications on the event bus.
package history

import "time"

// SessionID uniquely identifies a coordinator session.
type SessionID string

// Transition is a single observation attached to a session: a state change
// or a relay notification.
type Transition struct {
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Record is everything observed for one session, from its first state to
// its terminal one.
type Record struct {
	ID          SessionID    `json:"id"`
	Connections []string     `json:"connections,omitempty"`
	Transitions []Transition `json:"transitions"`
	Crashes     int          `json:"crashes"`
	LeftBehind  []string     `json:"leftBehind,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`

	// Outcome is the terminal state ("idle", "error") or "superseded" when a
	// new session replaced this one without passing through idle.
	Outcome string `json:"outcome,omitempty"`
}

// Ended reports whether the session reached a terminal state.
func (r *Record) Ended() bool { return r.EndedAt != nil }

func (r *Record) clone() Record {
	out := *r
	out.Connections = append([]string(nil), r.Connections...)
	out.Transitions = append([]Transition(nil), r.Transitions...)
	out.LeftBehind = append([]string(nil), r.LeftBehind...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
