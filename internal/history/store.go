package history

// Store is the persistence abstraction for session records.
// The Repository serialises access; implementations need not be safe for
// concurrent use.
type Store interface {
	Get(id SessionID) (*Record, bool)
	Put(r *Record)
	Delete(id SessionID)
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	records map[SessionID]*Record
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[SessionID]*Record)}
}

func (s *InMemoryStore) Get(id SessionID) (*Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *InMemoryStore) Put(r *Record) {
	s.records[r.ID] = r
}

func (s *InMemoryStore) Delete(id SessionID) {
	delete(s.records, id)
}

func (s *InMemoryStore) Len() int {
	return len(s.records)
}
