package segments

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSweepInterval   = 3 * time.Second
	DefaultRetentionWindow = 16 * time.Second
)

// Sweeper runs SweepLive on a fixed interval while a session is live.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
	onSweep   func(removed int)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper returns a stopped Sweeper. onSweep may be nil; it is called after
// every pass with the number of files removed.
func NewSweeper(store *Store, interval, retention time.Duration, log *slog.Logger, onSweep func(removed int)) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if retention <= 0 {
		retention = DefaultRetentionWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		log:       log,
		onSweep:   onSweep,
	}
}

// Start begins periodic sweeping. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.log.Debug("live sweep started",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention))
}

// Stop cancels the timer and waits for an in-flight pass to finish, so a full
// sweep started afterwards never overlaps a live one.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Debug("live sweep stopped")
}

// Running reports whether the periodic sweep is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.store.SweepLive(s.retention)
			if s.onSweep != nil {
				s.onSweep(removed)
			}
		}
	}
}
