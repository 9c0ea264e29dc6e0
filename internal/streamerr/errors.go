// Package streamerr holds the error taxonomy shared by the relay and the
// coordinator. Sentinels are compared with errors.Is; the typed errors carry
// diagnostic detail and still match their sentinel.
package streamerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionRejected is returned when a producer connects while the
	// teardown of the previous connection is still settling. Callers retry.
	ErrConnectionRejected = errors.New("connection rejected: previous connection still settling")

	// ErrEncoderSpawn is returned when the encoder executable cannot be launched.
	ErrEncoderSpawn = errors.New("encoder spawn failed")

	// ErrEncoderCrashed is returned when the encoder exits abnormally while live.
	ErrEncoderCrashed = errors.New("encoder crashed")

	// ErrSegmentDeleteExhausted is returned when some files survived every
	// cleanup strategy. It is a warning and never blocks teardown.
	ErrSegmentDeleteExhausted = errors.New("segment delete exhausted")

	// ErrOperationSuperseded marks the result of an operation that a newer
	// operation replaced before it completed.
	ErrOperationSuperseded = errors.New("operation superseded")

	// ErrNoSupportedFormat is returned when no output encoding from the
	// preference list is available.
	ErrNoSupportedFormat = errors.New("no supported format")

	// ErrTimeout is returned when a handshake or graceful stop exceeds its bound.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current session state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNoContent is returned by restart when no previous content is cached.
	ErrNoContent = errors.New("no content to restart")
)

// EncoderCrashedError describes an abnormal encoder exit.
type EncoderCrashedError struct {
	ExitCode int
	Lines    []string
}

func (e *EncoderCrashedError) Error() string {
	if len(e.Lines) == 0 {
		return fmt.Sprintf("encoder crashed: exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("encoder crashed: exit code %d: %s", e.ExitCode, e.Lines[len(e.Lines)-1])
}

// Is reports whether target is ErrEncoderCrashed.
func (e *EncoderCrashedError) Is(target error) bool { return target == ErrEncoderCrashed }

// DeleteExhaustedError lists the files that could not be removed.
type DeleteExhaustedError struct {
	Files []string
}

func (e *DeleteExhaustedError) Error() string {
	return fmt.Sprintf("segment delete exhausted: %d file(s) left: %s", len(e.Files), strings.Join(e.Files, ", "))
}

// Is reports whether target is ErrSegmentDeleteExhausted.
func (e *DeleteExhaustedError) Is(target error) bool { return target == ErrSegmentDeleteExhausted }

// Surfaced reports whether err should be shown to the operator. Transient
// errors (rejected connections, superseded operations, timeouts) are handled
// locally.
func Surfaced(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionRejected),
		errors.Is(err, ErrOperationSuperseded),
		errors.Is(err, ErrTimeout):
		return false
	}
	return true
}
