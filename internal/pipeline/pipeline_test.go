package pipeline

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
	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/flowfilter"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
	"github.com/go-scripts/perseus-capture/internal/writer"
)

const graphqlURL = "https://www.khanacademy.org/api/internal/graphql/"

func itemBody(id, content string) []byte {
	itemData, _ := json.Marshal(fmt.Sprintf(`{"question":{"content":%q},"hints":[{"content":"h"}],"answerArea":{}}`, content))
	return []byte(fmt.Sprintf(`{"data":{"assessmentItem":{"item":{"id":%q,"itemData":%s}}}}`, id, itemData))
}

func itemExchange(id, content string) types.Exchange {
	return types.Exchange{
		URL:    graphqlURL + "getAssessmentItem",
		Method: http.MethodPost,
		Status: 200,
		Body:   itemBody(id, content),
		Source: types.SourceBrowser,
	}
}

func manifestExchange(ids ...string) types.Exchange {
	reserved := make([]string, 0, len(ids))
	for _, id := range ids {
		reserved = append(reserved, "assessmentitem|"+id)
	}
	list, _ := json.Marshal(reserved)
	header := http.Header{}
	header.Set("Cookie", "fkey=tok")
	return types.Exchange{
		URL:           graphqlURL + "getOrCreatePracticeTask",
		Method:        http.MethodPost,
		Status:        200,
		RequestHeader: header,
		Body:          []byte(fmt.Sprintf(`{"data":{"getOrCreatePracticeTask":{"result":{"userTask":{"task":{"reservedItems":%s}}}}}}`, list)),
		Source:        types.SourceBrowser,
	}
}

type fixture struct {
	fs   afero.Fs
	sess *session.Session
	pipe *Pipeline
}

func newFixture(t *testing.T, endpoint string) *fixture {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	fs := afero.NewMemMapFs()
	store := dedup.New()
	sess := session.New(0)
	p, err := writer.New(fs, "out", store, logger)
	require.NoError(t, err)

	var fetcher *fetch.Fetcher
	if endpoint != "" {
		fetcher = fetch.New(fetch.Config{
			Endpoint:       endpoint,
			Concurrency:    3,
			MaxAttempts:    5,
			Delay:          time.Millisecond,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		}, store, p, sess, logger)
	}

	return &fixture{
		fs:   fs,
		sess: sess,
		pipe: New(Options{
			Filter:    flowfilter.NewDefault(),
			Persister: p,
			Fetcher:   fetcher,
			Session:   sess,
			Logger:    logger,
			Workers:   4,
		}),
	}
}

func (f *fixture) read(t *testing.T, id string) map[string]any {
	t.Helper()
	data, err := afero.ReadFile(f.fs, filepath.Join("out", id+".json"))
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	return got
}

func (f *fixture) files(t *testing.T) int {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "out")
	require.NoError(t, err)
	return len(entries)
}

func run(t *testing.T, p *Pipeline, exchanges ...types.Exchange) {
	t.Helper()
	in := make(chan types.Exchange)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), in) }()
	for _, ex := range exchanges {
		in <- ex
	}
	close(in)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestMalformedItemDoesNotStopPipeline(t *testing.T) {
	f := newFixture(t, "")

	bad := itemExchange("", "")
	bad.Body = []byte(`{"data": null}`)

	f.pipe.Handle(context.Background(), bad)
	assert.Equal(t, 0, f.sess.Count())
	assert.Equal(t, 0, f.files(t))
	assert.Equal(t, 1, f.sess.Summary().Rejected[session.MalformedPayload])

	f.pipe.Handle(context.Background(), itemExchange("x1", "after the bad one"))
	assert.Equal(t, 1, f.sess.Count())
	assert.Equal(t, "after the bad one", f.read(t, "x1")["question"].(map[string]any)["content"])
}

func TestDuplicateItemsWriteOnce(t *testing.T) {
	f := newFixture(t, "")

	exchanges := make([]types.Exchange, 0, 20)
	for i := 0; i < 20; i++ {
		exchanges = append(exchanges, itemExchange("xdup", "same"))
	}
	run(t, f.pipe, exchanges...)

	sum := f.sess.Summary()
	assert.Equal(t, 1, sum.Captured)
	assert.Equal(t, 19, sum.Duplicates)
	assert.Equal(t, 1, f.files(t))
}

func TestIrrelevantAndRejectedExchanges(t *testing.T) {
	f := newFixture(t, "")

	run(t, f.pipe,
		types.Exchange{URL: "https://www.khanacademy.org/math/e/add", Status: 200, Body: []byte("<html>")},
		types.Exchange{URL: graphqlURL + "getAssessmentItem", Status: 500, Body: []byte(`{}`)},
		types.Exchange{URL: graphqlURL + "getAssessmentItem", Status: 200, Body: []byte(`{"data":{"assessmentItem":{"id":"x1","other":{}}}}`)},
		types.Exchange{URL: graphqlURL + "getAssessmentItem", Status: 200, Body: []byte(`{"data":{"assessmentItem":{"id":"x2","itemData":{"question":{}}}}}`)},
		types.Exchange{URL: graphqlURL + "getPracticeItems", Status: 200, Body: []byte(`{"data":{}}`)},
	)

	sum := f.sess.Summary()
	assert.Equal(t, 0, sum.Captured)
	assert.Equal(t, 1, sum.Rejected[session.UnexpectedNesting])
	assert.Equal(t, 2, sum.Rejected[session.MissingFields])
	assert.Equal(t, 2, sum.Exchanges[types.KindIrrelevant])
	assert.Equal(t, 0, f.files(t))
}

// manifest names A, B and C; A was captured passively, B fetches fine and
// C fails twice before succeeding
func TestManifestFetchesMissingQuestions(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables map[string]string `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Invalid JSON in request body: %v", err)
		}
		id := body.Variables["id"]
		if got := r.Header.Get("X-KA-FKey"); got != "tok" {
			t.Errorf("expected fkey from cookie, got %q", got)
		}

		mu.Lock()
		calls[id]++
		n := calls[id]
		mu.Unlock()

		if id == "xc" && n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(itemBody(id, "active "+id))
	}))
	t.Cleanup(server.Close)

	f := newFixture(t, server.URL)
	f.pipe.Handle(context.Background(), itemExchange("xa", "passive xa"))
	f.pipe.Handle(context.Background(), manifestExchange("xa", "xb", "xc"))
	f.pipe.Wait()

	assert.Equal(t, 3, f.sess.Count())
	assert.Equal(t, 3, f.files(t))
	assert.Equal(t, "passive xa", f.read(t, "xa")["question"].(map[string]any)["content"])
	assert.Equal(t, "active xc", f.read(t, "xc")["question"].(map[string]any)["content"])

	mu.Lock()
	assert.Equal(t, map[string]int{"xb": 1, "xc": 3}, calls)
	mu.Unlock()

	// a passive copy arriving after the active fetch is dropped
	f.pipe.Handle(context.Background(), itemExchange("xb", "late passive"))
	assert.Equal(t, "active xb", f.read(t, "xb")["question"].(map[string]any)["content"])
	assert.Equal(t, 1, f.sess.Summary().Duplicates)
}

func TestManifestWithoutFetcherOnlyCounts(t *testing.T) {
	f := newFixture(t, "")

	f.pipe.Handle(context.Background(), manifestExchange("x1", "x2", "x2"))
	f.pipe.Wait()

	sum := f.sess.Summary()
	assert.Equal(t, 1, sum.Manifests)
	assert.Equal(t, 0, sum.Captured)
}

func TestDumperKeepsRelevantBodies(t *testing.T) {
	f := newFixture(t, "")
	d, err := writer.NewDumper(f.fs, "dump")
	require.NoError(t, err)
	f.pipe.dumper = d

	f.pipe.Handle(context.Background(), itemExchange("x1", "q"))
	f.pipe.Handle(context.Background(), types.Exchange{URL: "https://www.khanacademy.org/", Status: 200})

	entries, err := afero.ReadDir(f.fs, "dump")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "00001_getAssessmentItem.json", entries[0].Name())
}
