package dedup

import "sync"

// Store is the session-scoped set of identifiers that have been claimed
// for persistence. A claim is pending until Settle records that its file
// is on disk. It is safe for concurrent use.
type Store struct {
	seen map[string]bool
	mu   sync.Mutex
}

// New creates an empty Store
func New() *Store {
	return &Store{seen: make(map[string]bool)}
}

// Seen reports whether id has been marked
func (s *Store) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Settled reports whether id is marked and its record is on disk
func (s *Store) Settled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id]
}

// MarkSeen marks id and reports whether this call added it.
// Exactly one of any number of concurrent callers gets true.
func (s *Store) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = false
	return true
}

// Settle marks id as persisted, claiming it first if needed
func (s *Store) Settle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = true
}

// Forget releases a mark so the identifier can be captured again
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
}

// Len returns the number of marked identifiers
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
