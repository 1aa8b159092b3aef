package browser

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// partial is a request whose response has not finished loading yet
type partial struct {
	id       network.RequestID
	url      string
	method   string
	header   http.Header
	hasPost  bool
	postData []byte
	status   int
	started  time.Time
}

// exchange converts the partial into an exchange carrying body
func (p *partial) exchange(body []byte) types.Exchange {
	return types.Exchange{
		URL:           p.url,
		Method:        p.method,
		RequestHeader: p.header,
		RequestBody:   p.postData,
		Status:        p.status,
		Body:          body,
		Source:        types.SourceBrowser,
		ObservedAt:    time.Now(),
	}
}

// assembler joins the DevTools network events of one request into a partial
// exchange. It keeps only requests that want accepts.
type assembler struct {
	want    func(url string) bool
	pending map[network.RequestID]*partial
	mu      sync.Mutex
}

func newAssembler(want func(url string) bool) *assembler {
	if want == nil {
		want = func(string) bool { return true }
	}
	return &assembler{
		want:    want,
		pending: make(map[network.RequestID]*partial),
	}
}

// handle consumes one event and returns the partial once its body is ready
func (a *assembler) handle(ev any) *partial {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil || !a.want(e.Request.URL) {
			return nil
		}
		p := a.pending[e.RequestID]
		if p == nil {
			p = &partial{id: e.RequestID, header: http.Header{}, started: time.Now()}
			a.pending[e.RequestID] = p
		}
		p.url = e.Request.URL
		p.method = e.Request.Method
		p.hasPost = e.Request.HasPostData
		p.postData = postEntries(e.Request.PostDataEntries)
		mergeHeaders(p.header, e.Request.Headers)

	case *network.EventRequestWillBeSentExtraInfo:
		// may arrive before or after requestWillBeSent
		p := a.pending[e.RequestID]
		if p == nil {
			p = &partial{id: e.RequestID, header: http.Header{}, started: time.Now()}
			a.pending[e.RequestID] = p
		}
		mergeHeaders(p.header, e.Headers)

	case *network.EventResponseReceived:
		if p := a.pending[e.RequestID]; p != nil && e.Response != nil {
			p.status = int(e.Response.Status)
		}

	case *network.EventLoadingFinished:
		p := a.pending[e.RequestID]
		delete(a.pending, e.RequestID)
		if p == nil || p.url == "" {
			return nil
		}
		return p

	case *network.EventLoadingFailed:
		delete(a.pending, e.RequestID)
	}
	return nil
}

// expire drops partials older than maxAge whose extra info arrived without
// the request itself
func (a *assembler) expire(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, p := range a.pending {
		if time.Since(p.started) > maxAge {
			delete(a.pending, id)
			n++
		}
	}
	return n
}

func (a *assembler) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func postEntries(entries []*network.PostDataEntry) []byte {
	var out []byte
	for _, e := range entries {
		if e == nil || e.Bytes == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return out
}

// mergeHeaders copies DevTools headers into h. Raw headers repeat values
// separated by newlines; pseudo headers are skipped.
func mergeHeaders(h http.Header, src network.Headers) {
	for k, v := range src {
		if strings.HasPrefix(k, ":") {
			continue
		}
		key := http.CanonicalHeaderKey(k)
		h.Del(key)
		for _, line := range strings.Split(fmt.Sprint(v), "\n") {
			h.Add(key, line)
		}
	}
}
