package history

import (
	"context"
	"log/slog"

	"live-relay/internal/events"
)

// Recorder feeds bus events into a Repository.
type Recorder struct {
	repo Repository
	sub  events.Subscription
	log  *slog.Logger
}

// NewRecorder subscribes to q immediately so events published before Run is
// scheduled are not missed.
func NewRecorder(repo Repository, q events.Queue, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, sub: q.Subscribe(), log: log}
}

// Run applies events until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.sub.Events():
			if !ok {
				return nil
			}
			if r.repo.Apply(ev) {
				r.log.Debug("session journal updated",
					slog.String("type", string(ev.Type)),
					slog.String("session_id", ev.SessionID),
					slog.String("state", ev.State))
			}
		}
	}
}
