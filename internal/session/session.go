package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// ErrorKind is the failure taxonomy reported to the session
type ErrorKind string

const (
	MalformedPayload    ErrorKind = "malformedPayload"
	MissingFields       ErrorKind = "missingFields"
	UnexpectedNesting   ErrorKind = "unexpectedNesting"
	DuplicateIdentifier ErrorKind = "duplicateIdentifier"
	FetchFailure        ErrorKind = "fetchFailure"
	WriteFailure        ErrorKind = "writeFailure"
)

// EventKind identifies what an Event reports
type EventKind int

const (
	EventCaptured EventKind = iota
	EventDuplicate
	EventRejected
	EventFailed
	EventExhausted
	EventManifest
)

// Event is delivered to observers after the session state changed
type Event struct {
	Kind   EventKind
	ID     string
	Count  int
	At     time.Time
	Source types.Source
	Error  ErrorKind
	Err    error
}

// Observer receives session events. It must not block.
type Observer func(Event)

// Session holds the state of one capture run: the running capture counter,
// timestamps and failure tallies. All methods are safe for concurrent use.
type Session struct {
	ID      string
	Started time.Time
	Target  int

	mu         sync.Mutex
	captured   map[string]time.Time
	order      []string
	failed     map[string]ErrorKind
	exhausted  []string
	duplicates int
	rejected   map[ErrorKind]int
	exchanges  map[types.Kind]int
	manifests  int
	observers  []Observer

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a session. A target of zero means no limit.
func New(target int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Started:   time.Now(),
		Target:    target,
		captured:  make(map[string]time.Time),
		failed:    make(map[string]ErrorKind),
		rejected:  make(map[ErrorKind]int),
		exchanges: make(map[types.Kind]int),
		done:      make(chan struct{}),
	}
}

// Subscribe registers an observer for subsequent events
func (s *Session) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Done is closed once the capture target is reached
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Captured records a successful write and returns the running count and
// the time of capture
func (s *Session) Captured(id string, source types.Source) (int, time.Time) {
	now := time.Now()

	s.mu.Lock()
	if _, ok := s.captured[id]; !ok {
		s.captured[id] = now
		s.order = append(s.order, id)
	}
	delete(s.failed, id)
	count := len(s.captured)
	reached := s.Target > 0 && count >= s.Target
	s.mu.Unlock()

	s.emit(Event{Kind: EventCaptured, ID: id, Count: count, At: now, Source: source})
	if reached {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return count, now
}

// Duplicate records a record that was dropped because its id was already claimed
func (s *Session) Duplicate(id string) {
	s.mu.Lock()
	s.duplicates++
	s.mu.Unlock()
	s.emit(Event{Kind: EventDuplicate, ID: id, At: time.Now(), Error: DuplicateIdentifier})
}

// Rejected records an exchange the extractor could not use
func (s *Session) Rejected(kind ErrorKind, err error) {
	s.mu.Lock()
	s.rejected[kind]++
	s.mu.Unlock()
	s.emit(Event{Kind: EventRejected, At: time.Now(), Error: kind, Err: err})
}

// Failed records an identifier whose capture failed. It stays counted as
// failed until a later capture of the same id succeeds.
func (s *Session) Failed(id string, kind ErrorKind, err error) {
	s.mu.Lock()
	if _, ok := s.captured[id]; !ok {
		s.failed[id] = kind
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventFailed, ID: id, At: time.Now(), Error: kind, Err: err})
}

// Exhausted records an identifier the fetcher gave up on
func (s *Session) Exhausted(id string, err error) {
	s.mu.Lock()
	s.exhausted = append(s.exhausted, id)
	_, captured := s.captured[id]
	_, known := s.failed[id]
	if !captured && !known {
		s.failed[id] = FetchFailure
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventExhausted, ID: id, At: time.Now(), Error: FetchFailure, Err: err})
}

// Manifest records a manifest that announced count identifiers
func (s *Session) Manifest(count int) {
	s.mu.Lock()
	s.manifests++
	s.mu.Unlock()
	s.emit(Event{Kind: EventManifest, Count: count, At: time.Now()})
}

// Observed tallies a classified exchange
func (s *Session) Observed(kind types.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[kind]++
}

// Count returns the number of captured questions
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captured)
}

// IsCaptured reports whether id has been written in this session
func (s *Session) IsCaptured(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.captured[id]
	return ok
}

// Recent returns up to n most recently captured ids, newest first
func (s *Session) Recent(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.order) {
		n = len(s.order)
	}
	out := make([]string, 0, n)
	for i := len(s.order) - 1; i >= len(s.order)-n; i-- {
		out = append(out, s.order[i])
	}
	return out
}

func (s *Session) emit(e Event) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o(e)
	}
}

// Summary is the end-of-run report
type Summary struct {
	SessionID  string
	Elapsed    time.Duration
	Captured   int
	Duplicates int
	Failed     []string
	Rejected   map[ErrorKind]int
	Exhausted  []string
	Exchanges  map[types.Kind]int
	Manifests  int
}

// Summary snapshots the session state
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := make([]string, 0, len(s.failed))
	for id := range s.failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)

	rejected := make(map[ErrorKind]int, len(s.rejected))
	for k, v := range s.rejected {
		rejected[k] = v
	}
	exchanges := make(map[types.Kind]int, len(s.exchanges))
	for k, v := range s.exchanges {
		exchanges[k] = v
	}

	return Summary{
		SessionID:  s.ID,
		Elapsed:    time.Since(s.Started),
		Captured:   len(s.captured),
		Duplicates: s.duplicates,
		Failed:     failed,
		Rejected:   rejected,
		Exhausted:  append([]string(nil), s.exhausted...),
		Exchanges:  exchanges,
		Manifests:  s.manifests,
	}
}

// RejectedTotal sums rejected exchanges over all kinds
func (s Summary) RejectedTotal() int {
	total := 0
	for _, n := range s.Rejected {
		total += n
	}
	return total
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s finished in %s\n", s.SessionID, s.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "  captured:   %d\n", s.Captured)
	fmt.Fprintf(&b, "  duplicates: %d\n", s.Duplicates)
	fmt.Fprintf(&b, "  failed:     %d\n", len(s.Failed))
	fmt.Fprintf(&b, "  rejected:   %d\n", s.RejectedTotal())
	fmt.Fprintf(&b, "  manifests:  %d\n", s.Manifests)
	if len(s.Exhausted) > 0 {
		fmt.Fprintf(&b, "  exhausted:  %s\n", strings.Join(s.Exhausted, ", "))
	}
	return b.String()
}
