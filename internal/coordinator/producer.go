package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"live-relay/internal/relay"
	"live-relay/internal/streamerr"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultSwitchTimeout    = 10 * time.Second
	DefaultDialRetries      = 3
	DefaultRetryBackoff     = 250 * time.Millisecond

	writeTimeout = 10 * time.Second
)

var errConnectionLost = errors.New("relay connection lost")

// DialOptions configures the producer side of the ingest websocket.
type DialOptions struct {
	URL string

	// HandshakeTimeout bounds the upgrade plus the wait for the ready frame.
	HandshakeTimeout time.Duration
	SwitchTimeout    time.Duration

	// Retries is how many times a rejected connection is retried.
	Retries      int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SwitchTimeout <= 0 {
		o.SwitchTimeout = DefaultSwitchTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Producer is the sending end of a relay ingest connection.
type Producer struct {
	conn          *websocket.Conn
	id            string
	sequence      int64
	switchTimeout time.Duration
	log           *slog.Logger

	writeMu sync.Mutex
	acks    chan relay.Frame
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	err     error
	closing bool

	bytes atomic.Int64
}

// Dial connects to the relay and waits until its encoder is running.
// Rejected attempts are retried with exponential backoff.
func Dial(ctx context.Context, opts DialOptions, format string) (*Producer, error) {
	opts = opts.withDefaults()

	for attempt := 0; ; attempt++ {
		p, err := dialOnce(ctx, opts, format)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, streamerr.ErrConnectionRejected) || attempt >= opts.Retries {
			return nil, err
		}

		backoff := opts.RetryBackoff << attempt
		opts.Logger.Debug("relay rejected connection, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func dialOnce(ctx context.Context, opts DialOptions, format string) (*Producer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("format", format)
	u.RawQuery = q.Encode()

	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(hctx, u.String(), nil)
	if err != nil {
		return nil, handshakeErr(ctx, hctx, "dial relay", err)
	}

	deadline, _ := hctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, handshakeErr(ctx, hctx, "waiting for ready", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		f, err := relay.DecodeFrame(data)
		if err != nil {
			continue
		}

		switch f.Type {
		case relay.FrameReady:
			_ = conn.SetReadDeadline(time.Time{})
			p := &Producer{
				conn:          conn,
				id:            f.ConnectionID,
				switchTimeout: opts.SwitchTimeout,
				log:           opts.Logger.With(slog.String("connection_id", f.ConnectionID)),
				acks:          make(chan relay.Frame, 1),
				done:          make(chan struct{}),
			}
			if f.Sequence != nil {
				p.sequence = *f.Sequence
			}
			go p.readLoop()
			return p, nil
		case relay.FrameError:
			_ = conn.Close()
			return nil, frameErr(f)
		}
	}
}

func handshakeErr(ctx, hctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(hctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", streamerr.ErrTimeout, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// frameErr maps a relay error frame onto the error taxonomy.
func frameErr(f relay.Frame) error {
	switch f.Code {
	case relay.CodeConnectionRejected:
		return streamerr.ErrConnectionRejected
	case relay.CodeEncoderSpawn:
		return fmt.Errorf("%w: %s", streamerr.ErrEncoderSpawn, f.Detail)
	case relay.CodeEncoderCrashed:
		return fmt.Errorf("%w: %s", streamerr.ErrEncoderCrashed, f.Detail)
	}
	return fmt.Errorf("relay error %s: %s", f.Code, f.Detail)
}

func (p *Producer) readLoop() {
	defer close(p.done)
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			if !p.closing && p.err == nil {
				p.err = fmt.Errorf("%w: %v", errConnectionLost, err)
			}
			p.mu.Unlock()
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		f, err := relay.DecodeFrame(data)
		if err != nil {
			continue
		}

		switch f.Type {
		case relay.FrameSwitched:
			p.deliver(f)
		case relay.FrameError:
			if f.Code == relay.CodeBadFrame {
				p.log.Warn("relay rejected control frame", slog.String("detail", f.Detail))
				continue
			}
			p.mu.Lock()
			if p.err == nil {
				p.err = frameErr(f)
			}
			p.mu.Unlock()
			p.deliver(f)
		}
	}
}

func (p *Producer) deliver(f relay.Frame) {
	select {
	case p.acks <- f:
	default:
	}
}

// ID is the relay's connection id.
func (p *Producer) ID() string { return p.id }

// Sequence is the first segment number of the encoder that answered ready.
func (p *Producer) Sequence() int64 { return p.sequence }

// BytesSent is the number of media bytes written so far.
func (p *Producer) BytesSent() int64 { return p.bytes.Load() }

// WriteChunk sends one binary media message.
func (p *Producer) WriteChunk(chunk []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return err
	}
	p.bytes.Add(int64(len(chunk)))
	return nil
}

// Switch asks the relay to restart its encoder for a new source and returns
// the segment number the new encoder starts at.
func (p *Producer) Switch(ctx context.Context, format string) (int64, error) {
	select {
	case <-p.acks:
	default:
	}

	p.writeMu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := p.conn.WriteMessage(websocket.TextMessage, relay.EncodeFrame(relay.Frame{Type: relay.FrameSwitch, Format: format}))
	p.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("send switch: %w", err)
	}

	timer := time.NewTimer(p.switchTimeout)
	defer timer.Stop()

	select {
	case f := <-p.acks:
		if f.Type == relay.FrameError {
			return 0, frameErr(f)
		}
		var n int64
		if f.Sequence != nil {
			n = *f.Sequence
		}
		return n, nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return 0, err
		}
		return 0, errConnectionLost
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, fmt.Errorf("%w: waiting for switch ack", streamerr.ErrTimeout)
	}
}

// Done is closed when the connection has ended.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Err is the reason the connection ended, or nil if it was closed locally
// without a relay error.
func (p *Producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close sends a normal close frame and waits for the read loop to end.
func (p *Producer) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()

		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	})
	<-p.done
	return nil
}
