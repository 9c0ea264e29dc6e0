// Package events carries operator notifications (encoder crashes, cleanup
// warnings, session state changes) from the relay and coordinator to the
// console.
package events

import "time"

// Type enumerates the notifications published on the bus.
type Type string

const (
	// TypeEncoderCrashed is published when the encoder exits abnormally while
	// a producer is connected.
	TypeEncoderCrashed Type = "encoder_crashed"
	// TypeSegmentDeleteExhausted is published when a full sweep leaves files
	// behind.
	TypeSegmentDeleteExhausted Type = "segment_delete_exhausted"
	// TypeSessionState is published on every coordinator state transition.
	TypeSessionState Type = "session_state"
	// TypeConnection is published when a producer connects or disconnects.
	TypeConnection Type = "connection"
)

// Event is the wire representation sent to subscribers and Redis.
type Event struct {
	Type         Type      `json:"type"`
	SessionID    string    `json:"sessionId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	State        string    `json:"state,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	ExitCode     *int      `json:"exitCode,omitempty"`
	Lines        []string  `json:"lines,omitempty"`
	Files        []string  `json:"files,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`

	// Origin identifies the process that published the event onto Redis.
	Origin string `json:"origin,omitempty"`
}
