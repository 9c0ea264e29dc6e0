package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"live-relay/internal/encoder"
)

// Conn is the part of *websocket.Conn the manager needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// session is one producer connection and the encoder bound to it.
type session struct {
	id        string
	conn      Conn
	log       *slog.Logger
	startedAt time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	format  string
	enc     encoder.Process
	closing bool
	done    chan struct{}

	bytes   atomic.Int64
	chunks  atomic.Int64
	dropped atomic.Int64
}

func newSession(conn Conn, format string, log *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:        id,
		conn:      conn,
		format:    format,
		log:       log.With(slog.String("connection_id", id)),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// send writes a control frame. gorilla connections allow one writer at a time.
func (s *session) send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, EncodeFrame(f))
}

func (s *session) current() encoder.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc
}

// detachEncoder removes the current encoder so its exit is treated as
// requested.
func (s *session) detachEncoder() encoder.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := s.enc
	s.enc = nil
	return enc
}

// attachEncoder binds enc unless the session is already closing.
func (s *session) attachEncoder(enc encoder.Process, format string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.enc = enc
	s.format = format
	return true
}

// releaseEncoder clears enc if it is still the bound encoder and reports
// whether it was.
func (s *session) releaseEncoder(enc encoder.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != enc || s.closing {
		return false
	}
	s.enc = nil
	return true
}

// beginClose marks the session closing and hands back the encoder to stop.
// Only the first caller gets first == true.
func (s *session) beginClose() (enc encoder.Process, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false
	}
	s.closing = true
	enc = s.enc
	s.enc = nil
	return enc, true
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) currentFormat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}
