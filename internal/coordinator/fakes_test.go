package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"live-relay/internal/encoder"
	"live-relay/internal/events"
	"live-relay/internal/relay"
	"live-relay/internal/segments"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allCaps() Capabilities {
	return Capabilities{
		Muxers:   map[string]bool{"webm": true, "matroska": true, "mp4": true},
		Encoders: map[string]bool{"libvpx": true, "libvpx-vp9": true, "libopus": true, "libx264": true, "aac": true},
	}
}

type fakeProber struct {
	caps  Capabilities
	err   error
	calls atomic.Int32
}

func (p *fakeProber) Capabilities(ctx context.Context) (Capabilities, error) {
	p.calls.Add(1)
	return p.caps, p.err
}

// fakeStream yields its payload once, then either ends or blocks like a live
// capture until closed.
type fakeStream struct {
	payload []byte
	eof     bool

	mu     sync.Mutex
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(payload string, eof bool) *fakeStream {
	return &fakeStream{payload: []byte(payload), eof: eof, closed: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if !s.sent {
		s.sent = true
		n := copy(p, s.payload)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	if s.eof {
		return 0, io.EOF
	}
	<-s.closed
	return 0, io.ErrClosedPipe
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeAcquirer hands out fakeStreams whose payload names the source.
type fakeAcquirer struct {
	mu       sync.Mutex
	calls    []Source
	streams  []*fakeStream
	failWith error
	delay    map[string]time.Duration
	eof      map[string]bool
}

func (a *fakeAcquirer) Acquire(ctx context.Context, src Source, f Format) (Stream, error) {
	a.mu.Lock()
	a.calls = append(a.calls, src)
	fail := a.failWith
	delay := a.delay[src.Name]
	eof := a.eof[src.Name]
	a.mu.Unlock()

	// acquisition cannot be interrupted, like a real capture start
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		return nil, fail
	}

	s := newFakeStream("media:"+src.Label()+";", eof)
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	return s, nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *fakeAcquirer) streamCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *fakeAcquirer) stream(i int) *fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[i]
}

// fakeFactory runs fakeEncoders inside the relay and tracks how many are
// alive at once.
type fakeFactory struct {
	mu       sync.Mutex
	started  []*fakeEncoder
	failWith error

	alive    atomic.Int32
	maxAlive atomic.Int32
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

	e := &fakeEncoder{factory: f, params: p, done: make(chan struct{})}
	e.writeSegments(2)
	f.started = append(f.started, e)
	return e, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[len(f.started)-1]
}

func (f *fakeFactory) get(i int) *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[i]
}

type fakeEncoder struct {
	factory *fakeFactory
	params  encoder.HLSParams

	mu       sync.Mutex
	received []byte
	stopped  bool
	killed   bool
	err      error
	once     sync.Once
	done     chan struct{}
}

func (e *fakeEncoder) writeSegments(n int) {
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
func (e *fakeEncoder) PID() int              { return 4242 }
func (e *fakeEncoder) StderrTail() []string  { return nil }

func (e *fakeEncoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEncoder) bytes() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.received)
}

func (e *fakeEncoder) wasKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

// testEnv is a coordinator wired to an in-process relay served over a real
// websocket.
type testEnv struct {
	coord   *Coordinator
	mgr     *relay.Manager
	store   *segments.Store
	factory *fakeFactory
	acq     *fakeAcquirer
	prober  *fakeProber
	events  events.Queue
	srv     *httptest.Server
}

func newTestEnv(t *testing.T, configure ...func(*Options)) *testEnv {
	t.Helper()

	store := segments.NewStore(segments.Options{
		Dir:    filepath.Join(t.TempDir(), "hls"),
		Logger: quietLogger(),
	})
	factory := &fakeFactory{}
	q := events.NewMemoryQueue(256)
	mgr := relay.NewManager(relay.Options{
		Store:         store,
		Encoders:      factory,
		SweepInterval: time.Hour,
		HandoffDelay:  5 * time.Millisecond,
		CleanupDelay:  40 * time.Millisecond,
		Events:        q,
		Logger:        quietLogger(),
	})

	r := chi.NewRouter()
	relay.NewHandler(mgr, quietLogger()).IngestRoutes(r)
	srv := httptest.NewServer(r)

	acq := &fakeAcquirer{delay: map[string]time.Duration{}, eof: map[string]bool{}}
	prober := &fakeProber{caps: allCaps()}
	opts := Options{
		Relay:    mgr,
		Acquirer: acq,
		Prober:   prober,
		Dial: DialOptions{
			URL:              "ws" + strings.TrimPrefix(srv.URL, "http") + "/ingest",
			HandshakeTimeout: 2 * time.Second,
			SwitchTimeout:    2 * time.Second,
			RetryBackoff:     10 * time.Millisecond,
			Retries:          3,
		},
		Events: q,
		Logger: quietLogger(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	coord := New(opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
		_, _ = mgr.ForceCleanup(ctx)
		srv.Close()
	})

	return &testEnv{
		coord:   coord,
		mgr:     mgr,
		store:   store,
		factory: factory,
		acq:     acq,
		prober:  prober,
		events:  q,
		srv:     srv,
	}
}

func (e *testEnv) session(t *testing.T) Session {
	t.Helper()
	s, err := e.coord.Session(context.Background())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func camera() Source {
	return Source{Name: "studio-cam", Kind: SourceCamera, Device: "/dev/video0"}
}

func mediaFile() Source {
	return Source{Name: "promo", Kind: SourceFile, Path: "/media/promo.mp4"}
}

func slate() Source {
	return Source{Name: "slate", Kind: SourceFallback, Caption: "We'll be right back"}
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
