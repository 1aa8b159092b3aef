package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/perseus-capture/internal/dedup"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
	"github.com/go-scripts/perseus-capture/internal/writer"
)

func itemResponse(id string) string {
	itemData, _ := json.Marshal(fmt.Sprintf(`{"question":{"content":"question %s"},"hints":[{"content":"hint"}],"answerArea":{}}`, id))
	return fmt.Sprintf(`{"data":{"assessmentItem":{"__typename":"AssessmentItemOrError","error":null,"item":{"id":%q,"itemData":%s}}}}`, id, itemData)
}

// mockGraphQL serves getAssessmentItem. failures[id] makes the first n
// requests for id answer 503; missing makes the item lack its question.
type mockGraphQL struct {
	t        *testing.T
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	status   map[string]int
	missing  map[string]bool
	headers  []http.Header
	bodies   []map[string]any
}

func newMockGraphQL(t *testing.T) (*mockGraphQL, *httptest.Server) {
	m := &mockGraphQL{
		t:        t,
		calls:    make(map[string]int),
		failures: make(map[string]int),
		status:   make(map[string]int),
		missing:  make(map[string]bool),
	}
	server := httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(server.Close)
	return m, server
}

func (m *mockGraphQL) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.t.Errorf("Expected POST request, got %s", r.Method)
	}
	if r.URL.Path != "/api/internal/graphql/getAssessmentItem" {
		m.t.Errorf("unexpected path %s", r.URL.Path)
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		m.t.Errorf("Error reading request body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		m.t.Errorf("Invalid JSON in request body: %v", err)
	}
	vars, _ := body["variables"].(map[string]any)
	id, _ := vars["id"].(string)
	if id == "" {
		id, _ = vars["assessmentItemId"].(string)
	}

	m.mu.Lock()
	m.calls[id]++
	n := m.calls[id]
	fail := n <= m.failures[id]
	status := m.status[id]
	missing := m.missing[id]
	m.headers = append(m.headers, r.Header.Clone())
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case status != 0:
		w.WriteHeader(status)
		w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
	case fail:
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`upstream unavailable`))
	case missing:
		w.Write([]byte(fmt.Sprintf(`{"data":{"assessmentItem":{"item":{"id":%q,"itemData":"{\"hints\":[]}"}}}}`, id)))
	default:
		w.Write([]byte(itemResponse(id)))
	}
}

func (m *mockGraphQL) requests() ([]http.Header, []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]http.Header(nil), m.headers...), append([]map[string]any(nil), m.bodies...)
}

func (m *mockGraphQL) callsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

type harness struct {
	fs      afero.Fs
	store   *dedup.Store
	sess    *session.Session
	persist *writer.Persister
	fetcher *Fetcher
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint + "/api/internal/graphql",
		Origin:         "https://www.khanacademy.org",
		Concurrency:    3,
		MaxAttempts:    5,
		Delay:          time.Millisecond,
		MaxDelay:       8 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	fs := afero.NewMemMapFs()
	store := dedup.New()
	sess := session.New(0)
	p, err := writer.New(fs, "out", store, logger)
	require.NoError(t, err)
	return &harness{
		fs:      fs,
		store:   store,
		sess:    sess,
		persist: p,
		fetcher: New(cfg, store, p, sess, logger),
	}
}

func (h *harness) fileExists(t *testing.T, id string) bool {
	t.Helper()
	ok, err := afero.Exists(h.fs, filepath.Join("out", id+".json"))
	require.NoError(t, err)
	return ok
}

func TestFetchSkipsPassiveAndRetriesFailures(t *testing.T) {
	mock, server := newMockGraphQL(t)
	mock.failures["xc"] = 2
	h := newHarness(t, testConfig(server.URL))

	// A arrived passively before the manifest
	_, err := h.persist.Persist(h.sess, types.QuestionRecord{
		ID:         "xa",
		Question:   map[string]any{"content": "passive"},
		Hints:      []map[string]any{},
		AnswerArea: map[string]any{},
	}, types.SourceBrowser)
	require.NoError(t, err)

	report := h.fetcher.Fetch(context.Background(), types.Manifest{
		Operation: "getOrCreatePracticeTask",
		IDs:       []string{"xa", "xb", "xc"},
	})

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 1, report.Skipped)
	assert.ElementsMatch(t, []string{"xb", "xc"}, report.Succeeded)
	assert.Empty(t, report.Exhausted)

	assert.Equal(t, 0, mock.callsFor("xa"))
	assert.Equal(t, 1, mock.callsFor("xb"))
	assert.Equal(t, 3, mock.callsFor("xc"))

	for _, id := range []string{"xa", "xb", "xc"} {
		assert.True(t, h.fileExists(t, id), id)
	}
	assert.Equal(t, 3, h.sess.Count())
	assert.Empty(t, h.sess.Summary().Failed)

	state, ok := h.fetcher.State("xc")
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, state)
}

func TestFetchWaitsForPendingClaim(t *testing.T) {
	mock, server := newMockGraphQL(t)
	h := newHarness(t, testConfig(server.URL))

	// a passive write holds both claims but has not finished either file
	require.True(t, h.store.MarkSeen("xdone"))
	require.True(t, h.store.MarkSeen("xfail"))

	reports := make(chan Report, 1)
	go func() {
		reports <- h.fetcher.Fetch(context.Background(), types.Manifest{
			Operation: "getOrCreatePracticeTask",
			IDs:       []string{"xdone", "xfail"},
		})
	}()

	time.Sleep(5 * claimPoll)
	for _, id := range []string{"xdone", "xfail"} {
		state, ok := h.fetcher.State(id)
		require.True(t, ok, id)
		assert.Equal(t, StatePending, state, id)
	}

	h.store.Settle("xdone")
	h.store.Forget("xfail")

	var report Report
	select {
	case report = <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not finish")
	}

	assert.Equal(t, 0, report.Skipped)
	assert.ElementsMatch(t, []string{"xdone", "xfail"}, report.Succeeded)
	assert.Equal(t, 0, mock.callsFor("xdone"))
	assert.Equal(t, 1, mock.callsFor("xfail"))
	assert.True(t, h.fileExists(t, "xfail"))
	assert.True(t, h.store.Settled("xfail"))
}

func TestFetchExhaustsAfterMaxAttempts(t *testing.T) {
	mock, server := newMockGraphQL(t)
	mock.failures["xbad"] = 100
	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)

	var mu sync.Mutex
	var seen []State
	h.fetcher.Subscribe(func(tr Transition) {
		if tr.ID != "xbad" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.To)
	})

	report := h.fetcher.Fetch(context.Background(), types.Manifest{IDs: []string{"xbad", "xgood"}})

	assert.Equal(t, []string{"xbad"}, report.Exhausted)
	assert.Equal(t, []string{"xgood"}, report.Succeeded)
	assert.Equal(t, 3, mock.callsFor("xbad"))
	assert.False(t, h.fileExists(t, "xbad"))
	assert.True(t, h.fileExists(t, "xgood"))

	sum := h.sess.Summary()
	assert.Equal(t, []string{"xbad"}, sum.Exhausted)
	assert.Equal(t, []string{"xbad"}, sum.Failed)

	mu.Lock()
	assert.Equal(t, []State{
		StateInFlight, StateRetrying,
		StateInFlight, StateRetrying,
		StateInFlight, StateExhausted,
	}, seen)
	mu.Unlock()

	// a later manifest never retries an exhausted id
	again := h.fetcher.Fetch(context.Background(), types.Manifest{IDs: []string{"xbad"}})
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 3, mock.callsFor("xbad"))
}

func TestFetchMissingFieldsIsNotRetried(t *testing.T) {
	mock, server := newMockGraphQL(t)
	mock.missing["xhollow"] = true
	h := newHarness(t, testConfig(server.URL))

	report := h.fetcher.Fetch(context.Background(), types.Manifest{IDs: []string{"xhollow"}})

	assert.Equal(t, []string{"xhollow"}, report.Exhausted)
	assert.Equal(t, 1, mock.callsFor("xhollow"))
}

func TestFetchSlowsDownOn429(t *testing.T) {
	mock, server := newMockGraphQL(t)
	mock.status["xlimited"] = http.StatusTooManyRequests
	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)

	before := h.fetcher.pacer.Interval()
	h.fetcher.Fetch(context.Background(), types.Manifest{IDs: []string{"xlimited"}})

	assert.Equal(t, 2, mock.callsFor("xlimited"))
	assert.Greater(t, h.fetcher.pacer.Interval(), before)
	assert.LessOrEqual(t, h.fetcher.pacer.Interval(), cfg.MaxDelay)
}

func TestFetchSendsSessionHeaders(t *testing.T) {
	mock, server := newMockGraphQL(t)
	h := newHarness(t, testConfig(server.URL))

	h.fetcher.Fetch(context.Background(), types.Manifest{
		IDs: []string{"x1"},
		Context: types.SessionContext{
			Cookie:         "KAAS=abc; fkey=tok",
			UserAgent:      "Mozilla/5.0 test",
			FKey:           "tok",
			Referer:        "https://www.khanacademy.org/math/e/add",
			AcceptLanguage: "fr-FR",
		},
	})

	headers, bodies := mock.requests()
	require.Len(t, headers, 1)
	hdr := headers[0]
	assert.Equal(t, "KAAS=abc; fkey=tok", hdr.Get("Cookie"))
	assert.Equal(t, "Mozilla/5.0 test", hdr.Get("User-Agent"))
	assert.Equal(t, "tok", hdr.Get("X-KA-FKey"))
	assert.Equal(t, "https://www.khanacademy.org/math/e/add", hdr.Get("Referer"))
	assert.Equal(t, "fr-FR", hdr.Get("Accept-Language"))
	assert.Equal(t, "https://www.khanacademy.org", hdr.Get("Origin"))
	assert.Equal(t, "application/json", hdr.Get("Content-Type"))

	require.Len(t, bodies, 1)
	assert.Equal(t, "getAssessmentItem", bodies[0]["operationName"])
	assert.Equal(t, map[string]any{"id": "x1"}, bodies[0]["variables"])
}

func TestFetchUsesLearnedQuery(t *testing.T) {
	mock, server := newMockGraphQL(t)
	h := newHarness(t, testConfig(server.URL))

	h.fetcher.LearnQuery([]byte(`{"operationName":"getAssessmentItem","variables":{"assessmentItemId":"xold","showSolutions":false},"query":"query getAssessmentItem($assessmentItemId: String!) { assessmentItem(id: $assessmentItemId) { item { id itemData } } }"}`))
	h.fetcher.Fetch(context.Background(), types.Manifest{IDs: []string{"xnew"}})

	_, bodies := mock.requests()
	require.Len(t, bodies, 1)
	assert.Equal(t, map[string]any{"assessmentItemId": "xnew", "showSolutions": false}, bodies[0]["variables"])
	assert.Contains(t, bodies[0]["query"], "$assessmentItemId")
	assert.True(t, h.fileExists(t, "xnew"))
}

func TestFetchAbandonsOnCancel(t *testing.T) {
	_, server := newMockGraphQL(t)
	h := newHarness(t, testConfig(server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.fetcher.Fetch(ctx, types.Manifest{IDs: []string{"x1", "x2"}})

	assert.ElementsMatch(t, []string{"x1", "x2"}, report.Abandoned)
	assert.Equal(t, 0, h.sess.Count())
}

func TestFetchSharedCeiling(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()

		var body struct {
			Variables map[string]string `json:"variables"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(itemResponse(body.Variables["id"])))
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(server.URL)
	cfg.Concurrency = 2
	cfg.Delay = 0
	h := newHarness(t, cfg)

	var wg sync.WaitGroup
	for m := 0; m < 3; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			ids := make([]string, 0, 4)
			for i := 0; i < 4; i++ {
				ids = append(ids, fmt.Sprintf("x%d_%d", m, i))
			}
			h.fetcher.Fetch(context.Background(), types.Manifest{IDs: ids})
		}(m)
	}
	wg.Wait()

	assert.Equal(t, 12, h.sess.Count())
	mu.Lock()
	assert.LessOrEqual(t, peak, 2)
	mu.Unlock()
}
