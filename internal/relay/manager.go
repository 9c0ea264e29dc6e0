// Package relay accepts the producer's websocket, feeds its media into the
// encoder and owns the lifecycle of the segment directory while a producer is
// connected.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"live-relay/internal/encoder"
	"live-relay/internal/events"
	"live-relay/internal/platform/metrics"
	"live-relay/internal/segments"
	"live-relay/internal/streamerr"
)

const (
	DefaultHandoffDelay = 500 * time.Millisecond
	DefaultCleanupDelay = time.Second
	DefaultStopTimeout  = 5 * time.Second
	MaxMessageSize      = 50 << 20
)

// Options configures a Manager.
type Options struct {
	Store           *segments.Store
	Encoders        encoder.Factory
	SegmentSeconds  int
	ListSize        int
	RetentionWindow time.Duration
	SweepInterval   time.Duration
	HandoffDelay    time.Duration
	CleanupDelay    time.Duration
	StopTimeout     time.Duration
	Events          events.Queue
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Status is the relay's view of the stream.
type Status struct {
	IsLive                  bool     `json:"isLive"`
	SegmentCount            int      `json:"segmentCount"`
	ManifestPresent         bool     `json:"manifestPresent"`
	OldestSegmentAgeSeconds *float64 `json:"oldestSegmentAgeSeconds"`
	MediaSequence           int64    `json:"mediaSequence"`
	Connected               bool     `json:"connected"`
	ConnectionID            string   `json:"connectionId,omitempty"`
	Format                  string   `json:"format,omitempty"`
	BytesRelayed            int64    `json:"bytesRelayed"`
}

// Manager serialises producer connections. At most one connection, and so at
// most one encoder, is active at any time.
type Manager struct {
	store          *segments.Store
	encoders       encoder.Factory
	sweeper        *segments.Sweeper
	segmentSeconds int
	listSize       int
	handoffDelay   time.Duration
	cleanupDelay   time.Duration
	stopTimeout    time.Duration
	events         events.Queue
	metrics        *metrics.Metrics
	log            *slog.Logger

	// accepting is held while a connection is being set up; a concurrent
	// attempt is rejected instead of queued.
	accepting sync.Mutex

	// dirMu guards the segment directory against concurrent Initialize,
	// encoder start and SweepAll.
	dirMu sync.Mutex

	mu      sync.Mutex
	active  *session
	gen     uint64
	cleanup *time.Timer
}

func NewManager(opts Options) *Manager {
	if opts.Store == nil || opts.Encoders == nil {
		panic("relay: Store and Encoders are required")
	}
	m := &Manager{
		store:          opts.Store,
		encoders:       opts.Encoders,
		segmentSeconds: opts.SegmentSeconds,
		listSize:       opts.ListSize,
		handoffDelay:   opts.HandoffDelay,
		cleanupDelay:   opts.CleanupDelay,
		stopTimeout:    opts.StopTimeout,
		events:         opts.Events,
		metrics:        opts.Metrics,
		log:            opts.Logger,
	}
	if m.handoffDelay <= 0 {
		m.handoffDelay = DefaultHandoffDelay
	}
	if m.cleanupDelay <= 0 {
		m.cleanupDelay = DefaultCleanupDelay
	}
	if m.stopTimeout <= 0 {
		m.stopTimeout = DefaultStopTimeout
	}
	if m.events == nil {
		m.events = events.Discard
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.sweeper = segments.NewSweeper(opts.Store, opts.SweepInterval, opts.RetentionWindow, m.log, func(removed int) {
		m.metrics.AddSegmentsDeleted("live", removed)
	})
	return m
}

// Accept runs a producer connection to completion. It returns
// ErrConnectionRejected immediately if another connection is being set up.
// Otherwise any active connection is torn down first, the directory is
// re-initialised and a fresh encoder started; Accept then relays media until
// the connection ends.
func (m *Manager) Accept(ctx context.Context, conn Conn, format string) error {
	if !m.accepting.TryLock() {
		m.metrics.IncConnections("rejected")
		m.log.Warn("producer connection rejected: previous connection still settling")
		_ = conn.WriteMessage(websocket.TextMessage, EncodeFrame(Frame{
			Type:   FrameError,
			Code:   CodeConnectionRejected,
			Detail: streamerr.ErrConnectionRejected.Error(),
		}))
		_ = conn.Close()
		return streamerr.ErrConnectionRejected
	}

	s, err := m.open(ctx, conn, format)
	m.accepting.Unlock()
	if err != nil {
		m.ScheduleCleanup()
		return err
	}

	m.serve(s)
	return nil
}

func (m *Manager) open(ctx context.Context, conn Conn, format string) (*session, error) {
	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.gen++
	m.stopCleanupLocked()
	m.mu.Unlock()

	if prev != nil {
		m.metrics.IncConnections("replaced")
		prev.log.Info("replacing producer connection")
		m.sweeper.Stop()
		m.teardown(prev, "replaced by new connection", false)
		m.metrics.SetLive(false)

		if err := sleepCtx(ctx, m.handoffDelay); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	s := newSession(conn, format, m.log)

	m.dirMu.Lock()
	var (
		enc  encoder.Process
		next int64
		code = CodeStoreUnavailable
	)
	err := m.store.Initialize()
	if err == nil {
		code = CodeEncoderSpawn
		next = m.store.NextSequence()
		enc, err = m.encoders.Start(ctx, m.params(format, next))
	}
	m.dirMu.Unlock()

	if err != nil {
		s.log.Error("producer connection setup failed", slog.String("error", err.Error()))
		_ = s.send(Frame{Type: FrameError, Code: code, Detail: err.Error()})
		_ = conn.Close()
		return nil, err
	}
	s.attachEncoder(enc, format)

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	m.sweeper.Start()
	m.metrics.SetLive(true)
	m.metrics.IncConnections("accepted")
	go m.watch(s, enc)

	s.log.Info("producer connected",
		slog.String("format", format),
		slog.Int("encoder_pid", enc.PID()))
	m.publish(events.Event{Type: events.TypeConnection, ConnectionID: s.id, State: "connected"})

	if err := s.send(Frame{Type: FrameReady, ConnectionID: s.id, Sequence: seq(next)}); err != nil {
		s.log.Debug("ready frame not delivered", slog.String("error", err.Error()))
	}
	return s, nil
}

// serve is the read loop. Every exit goes through teardown.
func (m *Manager) serve(s *session) {
	reason := "closed"
	defer func() { m.teardown(s, reason, false) }()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case s.isClosing():
				reason = "closed by relay"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = "closed by producer"
			default:
				reason = "read error: " + err.Error()
			}
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			m.relayChunk(s, data)
		case websocket.TextMessage:
			if !m.handleControl(s, data) {
				reason = "source switch failed"
				return
			}
		}
	}
}

func (m *Manager) relayChunk(s *session, chunk []byte) {
	enc := s.current()
	if enc == nil {
		s.dropped.Add(1)
		m.metrics.IncChunksDropped()
		return
	}
	if err := enc.Write(chunk); err != nil {
		s.dropped.Add(1)
		m.metrics.IncChunksDropped()
		if !errors.Is(err, encoder.ErrSinkClosed) {
			s.log.Debug("chunk write failed", slog.String("error", err.Error()))
		}
		return
	}
	s.chunks.Add(1)
	s.bytes.Add(int64(len(chunk)))
	m.metrics.AddBytesRelayed(len(chunk))
}

// handleControl reports false when the connection must be torn down.
func (m *Manager) handleControl(s *session, data []byte) bool {
	f, err := DecodeFrame(data)
	if err != nil {
		_ = s.send(Frame{Type: FrameError, Code: CodeBadFrame, Detail: err.Error()})
		return true
	}

	switch f.Type {
	case FramePing:
		_ = s.send(Frame{Type: FramePong})
		return true
	case FrameSwitch:
		return m.switchEncoder(s, f.Format)
	}
	_ = s.send(Frame{Type: FrameError, Code: CodeBadFrame, Detail: "unknown frame type " + f.Type})
	return true
}

// switchEncoder restarts the encoder on the same connection so the new source
// starts with its own container header. Numbering continues from the segments
// already published. It runs on the read loop, so no chunk of the new source
// can reach the old encoder.
func (m *Manager) switchEncoder(s *session, format string) bool {
	if format == "" {
		format = s.currentFormat()
	}
	s.log.Info("source switch requested", slog.String("format", format))

	if old := s.detachEncoder(); old != nil {
		m.stopEncoder(s, old)
	}

	time.Sleep(m.handoffDelay)

	// Checked and attached under dirMu: a racing teardown either gets the new
	// encoder or this restart kills it before another one can start.
	m.dirMu.Lock()
	if s.isClosing() {
		m.dirMu.Unlock()
		return false
	}
	next := m.store.NextSequence()
	enc, err := m.encoders.Start(context.Background(), m.params(format, next))
	if err == nil && !s.attachEncoder(enc, format) {
		enc.Kill()
		m.dirMu.Unlock()
		return false
	}
	m.dirMu.Unlock()
	if err != nil {
		s.log.Error("encoder restart failed", slog.String("error", err.Error()))
		_ = s.send(Frame{Type: FrameError, Code: CodeEncoderSpawn, Detail: err.Error()})
		return false
	}
	go m.watch(s, enc)

	s.log.Info("source switched",
		slog.Int64("start_number", next),
		slog.Int("encoder_pid", enc.PID()))
	if err := s.send(Frame{Type: FrameSwitched, Sequence: seq(next)}); err != nil {
		s.log.Debug("switched frame not delivered", slog.String("error", err.Error()))
	}
	return true
}

// watch tears the connection down when its encoder exits on its own.
func (m *Manager) watch(s *session, enc encoder.Process) {
	<-enc.Done()
	if !s.releaseEncoder(enc) {
		return
	}

	if err := enc.Err(); err != nil {
		m.metrics.IncEncoderCrashes()
		ev := events.Event{Type: events.TypeEncoderCrashed, ConnectionID: s.id, Detail: err.Error()}
		var crash *streamerr.EncoderCrashedError
		if errors.As(err, &crash) {
			code := crash.ExitCode
			ev.ExitCode = &code
			ev.Lines = crash.Lines
		}
		m.publish(ev)
		s.log.Error("encoder crashed", slog.String("error", err.Error()))
		_ = s.send(Frame{Type: FrameError, Code: CodeEncoderCrashed, Detail: err.Error()})
	} else {
		s.log.Warn("encoder exited unexpectedly", slog.Any("stderr", enc.StderrTail()))
	}
	m.endManifest(s)
	m.teardown(s, "encoder exited", false)
}

// endManifest closes the playlist a dead encoder left open, unless a newer
// connection already owns the directory.
func (m *Manager) endManifest(s *session) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	m.mu.Lock()
	owner := m.active == s
	m.mu.Unlock()
	if !owner {
		return
	}
	if err := m.store.EndManifest(); err != nil {
		s.log.Warn("manifest not closed", slog.String("error", err.Error()))
	}
}

// teardown is the single cleanup path for a connection: stop (or kill) the
// encoder, close the socket and, if it was the active connection, stop the
// live sweep and schedule the full sweep. Concurrent callers wait for the
// first one to finish.
func (m *Manager) teardown(s *session, reason string, force bool) {
	enc, first := s.beginClose()
	if !first {
		<-s.done
		return
	}
	defer close(s.done)

	if enc != nil {
		if force {
			enc.Kill()
		} else {
			m.stopEncoder(s, enc)
		}
	}
	_ = s.conn.Close()

	m.mu.Lock()
	wasActive := m.active == s
	m.mu.Unlock()

	if wasActive {
		m.sweeper.Stop()
		m.mu.Lock()
		if m.active == s {
			m.active = nil
			m.metrics.SetLive(false)
			m.scheduleCleanupLocked()
		}
		m.mu.Unlock()
	}

	s.log.Info("producer connection closed",
		slog.String("reason", reason),
		slog.String("relayed", humanize.Bytes(uint64(s.bytes.Load()))),
		slog.Int64("chunks", s.chunks.Load()),
		slog.Int64("dropped", s.dropped.Load()),
		slog.Duration("duration", time.Since(s.startedAt).Round(time.Millisecond)))
	m.publish(events.Event{Type: events.TypeConnection, ConnectionID: s.id, State: "closed", Detail: reason})
}

func (m *Manager) stopEncoder(s *session, enc encoder.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()
	if err := enc.Stop(ctx); err != nil {
		s.log.Debug("encoder graceful stop timed out", slog.String("error", err.Error()))
	}
}

// ScheduleCleanup arms the delayed full sweep. It reports false if a
// connection is active.
func (m *Manager) ScheduleCleanup() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return false
	}
	m.scheduleCleanupLocked()
	return true
}

func (m *Manager) scheduleCleanupLocked() {
	m.stopCleanupLocked()
	gen := m.gen
	m.cleanup = time.AfterFunc(m.cleanupDelay, func() { m.delayedSweep(gen) })
}

func (m *Manager) stopCleanupLocked() {
	if m.cleanup != nil {
		m.cleanup.Stop()
		m.cleanup = nil
	}
}

// delayedSweep runs the scheduled full sweep unless a newer connection was
// accepted since it was armed.
func (m *Manager) delayedSweep(gen uint64) {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()

	m.mu.Lock()
	stale := m.gen != gen || m.active != nil
	if !stale {
		m.cleanup = nil
	}
	m.mu.Unlock()

	if stale {
		m.log.Debug("scheduled cleanup skipped: newer connection")
		return
	}
	m.sweepAllLocked()
}

// ForceCleanup kills any encoder, closes any connection, cancels pending
// sweeps and drains the directory. Valid in every state. The returned error
// is a *DeleteExhaustedError when files were left behind.
func (m *Manager) ForceCleanup(ctx context.Context) (segments.CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return segments.CleanupReport{}, err
	}

	m.mu.Lock()
	s := m.active
	m.active = nil
	m.gen++
	m.stopCleanupLocked()
	m.mu.Unlock()

	m.sweeper.Stop()
	m.metrics.SetLive(false)

	m.dirMu.Lock()
	if s != nil {
		m.teardown(s, "force cleanup", true)
	}
	report := m.sweepAllLocked()
	m.dirMu.Unlock()

	m.log.Info("force cleanup finished",
		slog.Int("removed", report.Removed),
		slog.Int("failed", len(report.Failed)))
	return report, report.Err()
}

// Shutdown stops the active connection and drains the directory. The
// encoder is killed outright if ctx is already done.
func (m *Manager) Shutdown(ctx context.Context) segments.CleanupReport {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.gen++
	m.stopCleanupLocked()
	m.mu.Unlock()

	m.sweeper.Stop()
	m.metrics.SetLive(false)

	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	if s != nil {
		m.teardown(s, "relay shutting down", ctx.Err() != nil)
	}
	return m.sweepAllLocked()
}

// sweepAllLocked drains the directory and puts the bootstrap manifest back so
// players polling between sessions keep getting an empty live playlist.
func (m *Manager) sweepAllLocked() segments.CleanupReport {
	report := m.store.SweepAll()
	if err := m.store.ResetManifest(); err != nil {
		m.log.Warn("bootstrap manifest not restored", slog.String("error", err.Error()))
	}
	m.metrics.AddSegmentsDeleted("all", report.Removed)
	if err := report.Err(); err != nil {
		m.metrics.AddDeleteFailures(len(report.Failed))
		m.publish(events.Event{
			Type:   events.TypeSegmentDeleteExhausted,
			Files:  report.Failed,
			Detail: err.Error(),
		})
	}
	return report
}

// Status reports the connection and directory state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	snap := m.store.Snapshot()
	st := Status{
		SegmentCount:    snap.SegmentCount,
		ManifestPresent: snap.ManifestPresent,
		MediaSequence:   snap.MediaSequence,
	}
	if snap.OldestSegmentAge != nil {
		age := snap.OldestSegmentAge.Seconds()
		st.OldestSegmentAgeSeconds = &age
	}
	if s != nil {
		st.Connected = true
		st.ConnectionID = s.id
		st.Format = s.currentFormat()
		st.IsLive = s.current() != nil
		st.BytesRelayed = s.bytes.Load()
	}
	return st
}

// SegmentCount is used by the metrics gauge refresh.
func (m *Manager) SegmentCount() int {
	return m.store.Snapshot().SegmentCount
}

func (m *Manager) params(format string, startNumber int64) encoder.HLSParams {
	return encoder.HLSParams{
		InputFormat:    format,
		ManifestPath:   m.store.ManifestPath(),
		SegmentPattern: m.store.SegmentPattern(),
		SegmentSeconds: m.segmentSeconds,
		ListSize:       m.listSize,
		StartNumber:    startNumber,
	}
}

func (m *Manager) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Debug("event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
