package coordinator

import (
	"time"

	"live-relay/internal/relay"
)

// State is the coordinator's view of the stream session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateLive      State = "live"
	StateSwitching State = "switching"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// Session is a snapshot of the stream session. ID is set on start and cleared
// once the session has stopped; LastGoodContent outlives it so the stream can
// be restarted.
type Session struct {
	ID                string    `json:"id,omitempty"`
	State             State     `json:"state"`
	ActiveOperationID uint64    `json:"activeOperationId"`
	Source            *Source   `json:"source,omitempty"`
	LastGoodContent   *Source   `json:"lastGoodContent,omitempty"`
	Format            string    `json:"format,omitempty"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	Since             time.Time `json:"since"`

	// Producer connection counters, zero while no connection is open.
	StartSequence int64 `json:"startSequence,omitempty"`
	BytesSent     int64 `json:"bytesSent,omitempty"`

	// Most recently finished operation ids, oldest first.
	CompletedOperations []uint64 `json:"completedOperations,omitempty"`
}

// Status combines the session with the relay's view of the output.
type Status struct {
	Session Session      `json:"session"`
	Relay   relay.Status `json:"relay"`
}
