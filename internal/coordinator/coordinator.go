// Package coordinator drives the stream session: it negotiates the output
// format, acquires sources, keeps one producer connection to the relay and
// serialises start, stop, switch, restart and cleanup requests through a
// single goroutine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"live-relay/internal/events"
	"live-relay/internal/platform/metrics"
	"live-relay/internal/relay"
	"live-relay/internal/segments"
	"live-relay/internal/streamerr"
)

// ErrClosed is returned by calls made after Shutdown.
var ErrClosed = errors.New("coordinator closed")

var errSourceEnded = errors.New("source ended")

// connectionGrace is how long a failed pump waits for the connection to
// report its own cause before recovery runs.
const connectionGrace = 200 * time.Millisecond

// Relay is the part of the relay the coordinator controls directly.
type Relay interface {
	Status() relay.Status
	ScheduleCleanup() bool
	ForceCleanup(ctx context.Context) (segments.CleanupReport, error)
}

type Options struct {
	Relay    Relay
	Acquirer Acquirer
	Prober   Prober

	// Preferences defaults to the package Preferences list.
	Preferences []Format
	Dial        DialOptions

	// Fallback is switched to when a non-fallback source runs out.
	Fallback *Source

	Events  events.Queue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Coordinator owns the stream session. All state below the loop marker is
// only touched by the run goroutine.
type Coordinator struct {
	relay    Relay
	acquirer Acquirer
	prober   Prober
	prefs    []Format
	dial     DialOptions
	fallback *Source
	events   events.Queue
	metrics  *metrics.Metrics
	log      *slog.Logger

	inbox    chan any
	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	// loop
	session    Session
	ops        *OperationTracker
	inflight   *inflight
	workerDone chan struct{}
	format     *Format
	prod       *Producer
	pump       *pump
	restarting bool
}

// inflight is the asynchronous operation currently allowed to resolve.
type inflight struct {
	id     uint64
	kind   Kind
	cancel context.CancelFunc
	reply  chan error
}

type (
	startCmd struct {
		src   Source
		reply chan error
	}
	stopCmd    struct{ reply chan error }
	switchCmd  struct {
		src   Source
		reply chan error
	}
	restartCmd struct{ reply chan error }
	cleanupCmd struct {
		ctx   context.Context
		reply chan cleanupResult
	}
	statusCmd struct{ reply chan Session }

	startDone struct {
		id         uint64
		src        Source
		format     Format
		negotiated bool
		stream     Stream
		prod       *Producer
		err        error
	}
	switchDone struct {
		id       uint64
		src      Source
		stream   Stream
		sequence int64
		err      error
	}
	pumpDone struct{ p *pump }
	connDone struct{ prod *Producer }
)

type cleanupResult struct {
	report segments.CleanupReport
	err    error
}

// New starts the coordinator loop.
func New(opts Options) *Coordinator {
	if opts.Relay == nil || opts.Acquirer == nil || opts.Prober == nil {
		panic("coordinator: Relay, Acquirer and Prober are required")
	}
	if len(opts.Preferences) == 0 {
		opts.Preferences = Preferences
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Dial.Logger = opts.Logger

	c := &Coordinator{
		relay:    opts.Relay,
		acquirer: opts.Acquirer,
		prober:   opts.Prober,
		prefs:    opts.Preferences,
		dial:     opts.Dial,
		fallback: opts.Fallback,
		events:   opts.Events,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		inbox:    make(chan any),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ops:      NewOperationTracker(DefaultCompletedRing),
		session:  Session{State: StateIdle, Since: time.Now()},
	}
	go c.run()
	return c
}

// Start begins streaming src, superseding whatever is running or pending.
// It returns once the relay reports its encoder running.
func (c *Coordinator) Start(ctx context.Context, src Source) error {
	reply := make(chan error, 1)
	return c.call(ctx, startCmd{src: src, reply: reply}, reply)
}

// Stop ends the session. The relay drains the segment directory after its
// cleanup delay.
func (c *Coordinator) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, stopCmd{reply: reply}, reply)
}

// SwitchSource replaces the live source on the same relay connection.
func (c *Coordinator) SwitchSource(ctx context.Context, src Source) error {
	reply := make(chan error, 1)
	return c.call(ctx, switchCmd{src: src, reply: reply}, reply)
}

// Restart starts the last source that went live, if the session is idle.
func (c *Coordinator) Restart(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, restartCmd{reply: reply}, reply)
}

// ForceCleanup drops any local stream and has the relay kill its encoder and
// empty the segment directory. It is accepted in every state.
func (c *Coordinator) ForceCleanup(ctx context.Context) (segments.CleanupReport, error) {
	reply := make(chan cleanupResult, 1)
	if err := c.send(ctx, cleanupCmd{ctx: ctx, reply: reply}); err != nil {
		return segments.CleanupReport{}, err
	}
	select {
	case res := <-reply:
		return res.report, res.err
	case <-ctx.Done():
		return segments.CleanupReport{}, ctx.Err()
	}
}

// Session returns a snapshot of the session.
func (c *Coordinator) Session(ctx context.Context) (Session, error) {
	reply := make(chan Session, 1)
	if err := c.send(ctx, statusCmd{reply: reply}); err != nil {
		return Session{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Status returns the session snapshot together with the relay status.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Session: s, Relay: c.relay.Status()}, nil
}

// Shutdown stops the loop and closes any local stream and connection.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) call(ctx context.Context, cmd any, reply chan error) error {
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) send(ctx context.Context, msg any) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

// post delivers a worker or watcher message. Results that arrive after the
// loop has exited release their resources here.
func (c *Coordinator) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.stopped:
		release(msg)
	}
}

func release(msg any) {
	switch m := msg.(type) {
	case startDone:
		if m.stream != nil {
			_ = m.stream.Close()
		}
		if m.prod != nil {
			_ = m.prod.Close()
		}
	case switchDone:
		if m.stream != nil {
			_ = m.stream.Close()
		}
	}
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			c.supersede()
			c.teardownLocal()
			c.log.Info("coordinator stopped")
			return
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case startCmd:
		if err := m.src.Validate(); err != nil {
			m.reply <- err
			return
		}
		c.beginStart(m.src, KindStart, m.reply)
	case restartCmd:
		c.handleRestart(m)
	case stopCmd:
		c.handleStop(m)
	case switchCmd:
		c.handleSwitch(m)
	case cleanupCmd:
		c.handleCleanup(m)
	case statusCmd:
		s := c.session
		s.ActiveOperationID, _ = c.ops.Active()
		s.CompletedOperations = c.ops.Completed()
		if c.prod != nil {
			s.StartSequence = c.prod.Sequence()
			s.BytesSent = c.prod.BytesSent()
		}
		m.reply <- s
	case startDone:
		c.handleStartDone(m)
	case switchDone:
		c.handleSwitchDone(m)
	case pumpDone:
		c.handlePumpDone(m)
	case connDone:
		c.handleConnDone(m)
	}
}

func (c *Coordinator) beginStart(src Source, kind Kind, reply chan error) {
	id := c.ops.Begin(kind)
	c.supersede()
	c.teardownLocal()

	c.session.ID = uuid.NewString()
	c.session.Source = nil
	c.session.ConnectionID = ""
	c.session.LastError = ""
	c.setState(StateStarting, "starting "+src.Label())

	ctx, done := c.launch(id, kind, reply)
	prev := c.workerDone
	c.workerDone = done
	go c.startWorker(ctx, id, src, c.format, prev, done)
}

// launch registers a new inflight operation and returns its context and the
// channel its worker closes on exit.
func (c *Coordinator) launch(id uint64, kind Kind, reply chan error) (context.Context, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	c.inflight = &inflight{id: id, kind: kind, cancel: cancel, reply: reply}
	return ctx, make(chan struct{})
}

// startWorker negotiates, acquires and dials. Workers run one after another
// so connection attempts reach the relay in operation order.
func (c *Coordinator) startWorker(ctx context.Context, id uint64, src Source, cached *Format, prev, done chan struct{}) {
	res := startDone{id: id, src: src}
	defer func() {
		c.post(res)
		close(done)
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			res.err = ctx.Err()
			return
		}
	}

	if cached != nil {
		res.format = *cached
	} else {
		caps, err := c.prober.Capabilities(ctx)
		if err != nil {
			res.err = err
			return
		}
		f, err := Negotiate(caps, c.prefs)
		if err != nil {
			res.err = err
			return
		}
		res.format, res.negotiated = f, true
	}

	stream, err := c.acquirer.Acquire(ctx, src, res.format)
	if err != nil {
		res.err = fmt.Errorf("acquire %s: %w", src.Label(), err)
		return
	}

	prod, err := Dial(ctx, c.dial, res.format.MIME)
	if err != nil {
		_ = stream.Close()
		res.err = err
		return
	}
	res.stream, res.prod = stream, prod
}

func (c *Coordinator) handleStartDone(res startDone) {
	inf := c.claim(res.id)
	if inf == nil {
		c.log.Debug("discarding superseded start result", slog.Uint64("operation_id", res.id))
		release(res)
		return
	}
	if res.negotiated {
		f := res.format
		c.format = &f
		c.log.Info("output format negotiated", slog.String("format", f.MIME))
	}
	if inf.kind == KindRestart {
		c.restarting = false
	}

	if res.err != nil {
		c.finish(inf, res.err)
		c.recover(res.err)
		return
	}

	src := res.src
	c.prod = res.prod
	c.pump = startPump(res.stream, res.prod, c.log.With(slog.String("source", src.Label())))
	c.watch(c.prod, c.pump)

	c.session.Source = &src
	c.session.LastGoodContent = &src
	c.session.Format = res.format.MIME
	c.session.ConnectionID = res.prod.ID()
	c.setState(StateLive, "live from "+src.Label())
	c.finish(inf, nil)
}

func (c *Coordinator) handleRestart(m restartCmd) {
	switch {
	case c.session.State != StateIdle && c.session.State != StateError:
		m.reply <- fmt.Errorf("%w: restart while %s", streamerr.ErrInvalidState, c.session.State)
	case c.restarting:
		m.reply <- fmt.Errorf("%w: restart already in flight", streamerr.ErrInvalidState)
	case c.session.LastGoodContent == nil:
		m.reply <- streamerr.ErrNoContent
	default:
		c.restarting = true
		c.beginStart(*c.session.LastGoodContent, KindRestart, m.reply)
	}
}

func (c *Coordinator) handleStop(m stopCmd) {
	id := c.ops.Begin(KindStop)
	c.supersede()

	c.setState(StateStopping, "")
	c.teardownLocal()
	c.relay.ScheduleCleanup()

	c.session.ID = ""
	c.session.Source = nil
	c.session.ConnectionID = ""
	c.setState(StateIdle, "stopped")

	c.ops.End(id)
	c.metrics.IncOperations(string(KindStop), "ok")
	m.reply <- nil
}

func (c *Coordinator) handleSwitch(m switchCmd) {
	if c.session.State != StateLive {
		m.reply <- fmt.Errorf("%w: switch while %s", streamerr.ErrInvalidState, c.session.State)
		return
	}
	if err := m.src.Validate(); err != nil {
		m.reply <- err
		return
	}
	c.beginSwitch(m.src, m.reply)
}

// beginSwitch hands the old pump to a worker that acquires the new source,
// stops the old one and asks the relay to restart its encoder.
func (c *Coordinator) beginSwitch(src Source, reply chan error) {
	id := c.ops.Begin(KindSwitch)
	c.supersede()

	old := c.pump
	c.pump = nil
	c.setState(StateSwitching, "switching to "+src.Label())

	ctx, done := c.launch(id, KindSwitch, reply)
	prev := c.workerDone
	c.workerDone = done
	go c.switchWorker(ctx, id, src, *c.format, c.prod, old, prev, done)
}

func (c *Coordinator) switchWorker(ctx context.Context, id uint64, src Source, format Format, prod *Producer, old *pump, prev, done chan struct{}) {
	res := switchDone{id: id, src: src}
	defer func() {
		c.post(res)
		close(done)
	}()
	if old != nil {
		defer old.Stop()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			res.err = ctx.Err()
			return
		}
	}

	stream, err := c.acquirer.Acquire(ctx, src, format)
	if old != nil {
		old.Stop()
	}
	if err != nil {
		res.err = fmt.Errorf("acquire %s: %w", src.Label(), err)
		return
	}

	seq, err := prod.Switch(ctx, format.MIME)
	if err != nil {
		_ = stream.Close()
		res.err = err
		return
	}
	res.stream, res.sequence = stream, seq
}

func (c *Coordinator) handleSwitchDone(res switchDone) {
	inf := c.claim(res.id)
	if inf == nil {
		c.log.Debug("discarding superseded switch result", slog.Uint64("operation_id", res.id))
		release(res)
		return
	}
	if res.err != nil {
		c.finish(inf, res.err)
		c.recover(res.err)
		return
	}

	src := res.src
	c.pump = startPump(res.stream, c.prod, c.log.With(slog.String("source", src.Label())))
	c.watch(nil, c.pump)

	c.session.Source = &src
	c.session.LastGoodContent = &src
	c.log.Info("source switched",
		slog.String("source", src.Label()),
		slog.Int64("start_number", res.sequence))
	c.setState(StateLive, "live from "+src.Label())
	c.finish(inf, nil)
}

func (c *Coordinator) handleCleanup(m cleanupCmd) {
	id := c.ops.Begin(KindCleanup)
	c.supersede()
	c.teardownLocal()

	c.session.ID = ""
	c.session.Source = nil
	c.session.ConnectionID = ""
	c.setState(StateIdle, "forced cleanup")
	c.ops.End(id)

	go func() {
		report, err := c.relay.ForceCleanup(m.ctx)
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.metrics.IncOperations(string(KindCleanup), result)
		m.reply <- cleanupResult{report: report, err: err}
	}()
}

func (c *Coordinator) handlePumpDone(m pumpDone) {
	if m.p != c.pump {
		return
	}
	c.pump = nil
	m.p.Stop()
	eof, err := m.p.Result()

	switch {
	case err != nil:
		cause := err
		if c.prod != nil {
			select {
			case <-c.prod.Done():
				if perr := c.prod.Err(); perr != nil {
					cause = perr
				}
			case <-time.After(connectionGrace):
			}
		}
		c.log.Warn("source pump failed", slog.String("error", cause.Error()))
		c.recover(cause)
	case eof && c.fallback != nil && c.session.Source != nil && c.session.Source.Kind != SourceFallback && c.session.State == StateLive:
		c.log.Info("source exhausted, switching to fallback",
			slog.String("source", c.session.Source.Label()))
		c.beginSwitch(*c.fallback, nil)
	default:
		c.log.Info("source ended")
		c.recover(nil)
	}
}

func (c *Coordinator) handleConnDone(m connDone) {
	if m.prod != c.prod {
		return
	}
	cause := m.prod.Err()
	if cause == nil {
		cause = errConnectionLost
	}
	c.log.Warn("relay connection ended", slog.String("error", cause.Error()))
	c.recover(cause)
}

// recover is the single failure path: drop the stream and connection, have
// the relay drain the directory and go idle. Causes the operator must see
// leave the session in Error. LastGoodContent is kept for Restart.
func (c *Coordinator) recover(cause error) {
	if inf := c.inflight; inf != nil {
		c.inflight = nil
		inf.cancel()
		c.metrics.IncOperations(string(inf.kind), "error")
		if cause == nil {
			resolve(inf.reply, errSourceEnded)
		} else {
			resolve(inf.reply, cause)
		}
		if inf.kind == KindRestart {
			c.restarting = false
		}
	}
	c.teardownLocal()
	c.relay.ScheduleCleanup()

	c.session.ID = ""
	c.session.Source = nil
	c.session.ConnectionID = ""
	if streamerr.Surfaced(cause) {
		c.session.LastError = cause.Error()
		c.setState(StateError, cause.Error())
		return
	}
	detail := errSourceEnded.Error()
	if cause != nil {
		detail = cause.Error()
	}
	c.setState(StateIdle, detail)
}

// claim returns the inflight operation if id may still resolve it.
func (c *Coordinator) claim(id uint64) *inflight {
	inf := c.inflight
	if inf == nil || inf.id != id || !c.ops.IsValid(id) {
		return nil
	}
	c.inflight = nil
	inf.cancel()
	return inf
}

func (c *Coordinator) finish(inf *inflight, err error) {
	c.ops.End(inf.id)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.IncOperations(string(inf.kind), result)
	resolve(inf.reply, err)
}

// supersede cancels the inflight operation. Its worker result is discarded
// when it arrives.
func (c *Coordinator) supersede() {
	inf := c.inflight
	if inf == nil {
		return
	}
	c.inflight = nil
	inf.cancel()
	if inf.kind == KindRestart {
		c.restarting = false
	}
	c.metrics.IncOperations(string(inf.kind), "superseded")
	resolve(inf.reply, streamerr.ErrOperationSuperseded)
	c.log.Debug("operation superseded",
		slog.Uint64("operation_id", inf.id),
		slog.String("kind", string(inf.kind)))
}

func resolve(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}

func (c *Coordinator) teardownLocal() {
	if c.pump != nil {
		c.pump.Stop()
		c.pump = nil
	}
	if c.prod != nil {
		prod := c.prod
		c.prod = nil
		_ = prod.Close()
	}
}

// watch reports the end of a connection or pump back to the loop.
func (c *Coordinator) watch(prod *Producer, p *pump) {
	if prod != nil {
		go func() {
			<-prod.Done()
			c.post(connDone{prod: prod})
		}()
	}
	if p != nil {
		go func() {
			<-p.Done()
			c.post(pumpDone{p: p})
		}()
	}
}

func (c *Coordinator) setState(state State, detail string) {
	prev := c.session.State
	c.session.State = state
	c.session.Since = time.Now()
	c.session.ActiveOperationID, _ = c.ops.Active()

	c.log.Info("session state",
		slog.String("from", string(prev)),
		slog.String("to", string(state)),
		slog.String("session_id", c.session.ID),
		slog.String("detail", detail))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, events.Event{
		Type:         events.TypeSessionState,
		SessionID:    c.session.ID,
		ConnectionID: c.session.ConnectionID,
		State:        string(state),
		Detail:       detail,
	}); err != nil {
		c.log.Debug("event publish failed", slog.String("error", err.Error()))
	}
}
