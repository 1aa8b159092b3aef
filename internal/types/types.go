package types

import (
	"net/http"
	"strings"
	"time"
	"unicode"
)

// Source tells where an exchange came from
type Source string

const (
	SourceBrowser Source = "browser"
	SourceReplay  Source = "replay"
	SourceFetch   Source = "fetch"
)

// Exchange is one observed request/response pair
type Exchange struct {
	URL           string
	Method        string
	Operation     string
	RequestHeader http.Header
	RequestBody   []byte
	Status        int
	Body          []byte
	Source        Source
	ObservedAt    time.Time
}

// Kind is the classification of an exchange
type Kind int

const (
	KindIrrelevant Kind = iota
	KindManifest
	KindItem
)

func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifestResponse"
	case KindItem:
		return "itemResponse"
	default:
		return "irrelevant"
	}
}

// QuestionRecord is the persisted form of one question
type QuestionRecord struct {
	ID         string           `json:"-"`
	Question   map[string]any   `json:"question"`
	Hints      []map[string]any `json:"hints"`
	AnswerArea map[string]any   `json:"answerArea"`
}

// SessionContext holds the request headers an active fetch reuses
type SessionContext struct {
	Cookie         string
	UserAgent      string
	FKey           string
	Referer        string
	AcceptLanguage string
}

// Empty reports whether no header was captured
func (c SessionContext) Empty() bool {
	return c == SessionContext{}
}

// Manifest is the identifier list announced by a practice task response
type Manifest struct {
	Operation string
	IDs       []string
	Context   SessionContext
}

// Unique returns the identifiers in first-seen order without repeats
func (m Manifest) Unique() []string {
	seen := make(map[string]struct{}, len(m.IDs))
	out := make([]string, 0, len(m.IDs))
	for _, id := range m.IDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ValidID reports whether id can name a question file as-is: non-empty,
// no path separators or shell-hostile characters, no leading dot
func ValidID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			return false
		}
	}
	return true
}
