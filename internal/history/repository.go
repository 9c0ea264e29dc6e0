package history

import (
	"slices"
	"sync"
	"time"

	"live-relay/internal/events"
)

// DefaultLimit is the number of sessions kept when no limit is given.
const DefaultLimit = 50

// Repository defines the concurrency-safe contract for building and reading
// the session journal.
type Repository interface {
	// Apply folds one bus event into the journal. It reports whether the
	// event changed anything; events that belong to no session are ignored.
	Apply(ev events.Event) bool

	// Get returns a copy of the record for id.
	Get(id SessionID) (Record, bool)

	// List returns up to limit records, newest first. limit <= 0 means all.
	List(limit int) []Record

	// Counts returns the number of open and ended sessions held.
	Counts() (open, ended int)
}

// InMemoryRepository is a concurrency-safe Repository. At most one session
// is open at a time; the oldest ended records are evicted past the limit.
type InMemoryRepository struct {
	mu      sync.RWMutex
	store   Store
	order   []SessionID
	current SessionID
	limit   int
}

// NewInMemoryRepository constructs a repository with a default in-memory
// store. If limit <= 0, DefaultLimit is used.
func NewInMemoryRepository(limit int) *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore(), limit)
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store, limit int) *InMemoryRepository {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &InMemoryRepository{store: store, limit: limit}
}

func terminal(state string) bool {
	return state == "idle" || state == "error"
}

func (r *InMemoryRepository) Apply(ev events.Event) bool {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case events.TypeSessionState:
		return r.applyStateLocked(ev, at)

	case events.TypeConnection:
		rec := r.openLocked()
		if rec == nil || ev.State != "connected" {
			return false
		}
		return addConnection(rec, ev.ConnectionID)

	case events.TypeEncoderCrashed:
		rec := r.openLocked()
		if rec == nil {
			return false
		}
		rec.Crashes++
		rec.Transitions = append(rec.Transitions, Transition{State: string(ev.Type), Detail: ev.Detail, At: at})
		return true

	case events.TypeSegmentDeleteExhausted:
		// Drains run after the session went idle, so the files belong to
		// the most recent record.
		if len(r.order) == 0 {
			return false
		}
		rec, ok := r.store.Get(r.order[len(r.order)-1])
		if !ok {
			return false
		}
		rec.LeftBehind = append(rec.LeftBehind, ev.Files...)
		return true
	}
	return false
}

// applyStateLocked handles session_state events. Terminal states are
// published after the coordinator has cleared its session id, so an empty
// id closes whatever is open.
func (r *InMemoryRepository) applyStateLocked(ev events.Event, at time.Time) bool {
	id := SessionID(ev.SessionID)
	tr := Transition{State: ev.State, Detail: ev.Detail, At: at}

	if id == "" {
		rec := r.openLocked()
		if rec == nil {
			return false
		}
		rec.Transitions = append(rec.Transitions, tr)
		if terminal(ev.State) {
			r.closeLocked(rec, ev.State, at)
		}
		return true
	}

	rec, ok := r.store.Get(id)
	if !ok {
		if open := r.openLocked(); open != nil {
			r.closeLocked(open, "superseded", at)
		}
		rec = &Record{ID: id, StartedAt: at}
		r.store.Put(rec)
		r.order = append(r.order, id)
		r.current = id
		r.evictLocked()
	}
	if rec.Ended() {
		return false
	}

	rec.Transitions = append(rec.Transitions, tr)
	addConnection(rec, ev.ConnectionID)
	if terminal(ev.State) {
		r.closeLocked(rec, ev.State, at)
	}
	return true
}

// openLocked returns the open record, if any. Caller must hold r.mu.
func (r *InMemoryRepository) openLocked() *Record {
	if r.current == "" {
		return nil
	}
	rec, ok := r.store.Get(r.current)
	if !ok {
		r.current = ""
		return nil
	}
	return rec
}

func (r *InMemoryRepository) closeLocked(rec *Record, outcome string, at time.Time) {
	rec.EndedAt = &at
	rec.Outcome = outcome
	if r.current == rec.ID {
		r.current = ""
	}
}

// evictLocked drops the oldest records past the limit. The open record is
// always the newest, so it is never evicted.
func (r *InMemoryRepository) evictLocked() {
	for len(r.order) > r.limit {
		r.store.Delete(r.order[0])
		r.order = r.order[1:]
	}
}

func addConnection(rec *Record, id string) bool {
	if id == "" || slices.Contains(rec.Connections, id) {
		return false
	}
	rec.Connections = append(rec.Connections, id)
	return true
}

func (r *InMemoryRepository) Get(id SessionID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.store.Get(id)
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (r *InMemoryRepository) List(limit int) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.order) {
		limit = len(r.order)
	}
	out := make([]Record, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := r.store.Get(r.order[i]); ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (r *InMemoryRepository) Counts() (open, ended int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current != "" {
		open = 1
	}
	return open, r.store.Len() - open
}
