package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-relay/internal/encoder"
	"live-relay/internal/events"
	"live-relay/internal/segments"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFactory hands out fakeEncoders and tracks how many are alive at once.
type fakeFactory struct {
	mu       sync.Mutex
	started  []*fakeEncoder
	failWith error

	alive    atomic.Int32
	maxAlive atomic.Int32
	pids     atomic.Int32
}

func (f *fakeFactory) Start(ctx context.Context, p encoder.HLSParams) (encoder.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	n := f.alive.Add(1)
	for {
		max := f.maxAlive.Load()
		if n <= max || f.maxAlive.CompareAndSwap(max, n) {
			break
		}
	}

	e := &fakeEncoder{
		factory: f,
		params:  p,
		pid:     int(f.pids.Add(1)),
		done:    make(chan struct{}),
	}
	e.writeSegments(2)
	f.started = append(f.started, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeFactory) get(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[i]
}

func (f *fakeFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

// fakeEncoder records chunks and writes a couple of segment files plus a
// manifest the way ffmpeg would.
type fakeEncoder struct {
	factory *fakeFactory
	params  encoder.HLSParams
	pid     int

	mu       sync.Mutex
	received []byte
	chunks   int
	stopped  bool
	killed   bool
	err      error
	stderr   []string
	once     sync.Once
	done     chan struct{}
}

func (e *fakeEncoder) writeSegments(n int) {
	if e.params.SegmentPattern == "" {
		return
	}
	var entries []segments.PlaylistEntry
	for i := 0; i < n; i++ {
		seq := e.params.StartNumber + int64(i)
		path := fmt.Sprintf(e.params.SegmentPattern, seq)
		_ = os.WriteFile(path, []byte("ts"), 0o644)
		entries = append(entries, segments.PlaylistEntry{Sequence: seq, Duration: 2, URI: filepath.Base(path)})
	}
	_ = os.WriteFile(e.params.ManifestPath, []byte(segments.BuildPlaylist(entries, 2, false)), 0o644)
}

func (e *fakeEncoder) Write(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return encoder.ErrSinkClosed
	}
	e.received = append(e.received, chunk...)
	e.chunks++
	return nil
}

func (e *fakeEncoder) finish(err error, killed bool) {
	e.once.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.killed = killed
		e.err = err
		e.mu.Unlock()
		e.factory.alive.Add(-1)
		close(e.done)
	})
}

func (e *fakeEncoder) Stop(ctx context.Context) error {
	e.finish(nil, false)
	return nil
}

func (e *fakeEncoder) Kill()                 { e.finish(nil, true) }
func (e *fakeEncoder) crash(err error)       { e.finish(err, false) }
func (e *fakeEncoder) Done() <-chan struct{} { return e.done }
func (e *fakeEncoder) PID() int              { return e.pid }

func (e *fakeEncoder) StderrTail() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stderr...)
}

func (e *fakeEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEncoder) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *fakeEncoder) wasKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

func (e *fakeEncoder) bytes() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.received)
}

type message struct {
	mt   int
	data []byte
}

var errConnClosed = errors.New("use of closed connection")

// fakeConn is an in-memory producer connection.
type fakeConn struct {
	in        chan message
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	frames []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan message, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return msg.mt, msg.data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if mt == websocket.TextMessage {
		f, err := DecodeFrame(data)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.frames = append(c.frames, f)
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) framesOf(kind string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

type testRelay struct {
	mgr     *Manager
	store   *segments.Store
	factory *fakeFactory
	events  events.Queue
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	store := segments.NewStore(segments.Options{
		Dir:    filepath.Join(t.TempDir(), "hls"),
		Logger: quietLogger(),
	})
	factory := &fakeFactory{}
	q := events.NewMemoryQueue(64)
	mgr := NewManager(Options{
		Store:         store,
		Encoders:      factory,
		SweepInterval: time.Hour,
		HandoffDelay:  5 * time.Millisecond,
		CleanupDelay:  40 * time.Millisecond,
		Events:        q,
		Logger:        quietLogger(),
	})
	t.Cleanup(func() {
		_, _ = mgr.ForceCleanup(context.Background())
	})
	return &testRelay{mgr: mgr, store: store, factory: factory, events: q}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
