package har

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cdphar "github.com/chromedp/cdproto/har"
	"github.com/spf13/afero"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// Load reads a HAR archive exported from browser devtools
func Load(fs afero.Fs, path string) (*cdphar.HAR, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open HAR file: %w", err)
	}
	defer f.Close()

	var archive cdphar.HAR
	if err := json.NewDecoder(f).Decode(&archive); err != nil {
		return nil, fmt.Errorf("failed to decode HAR file: %w", err)
	}
	if archive.Log == nil {
		return nil, fmt.Errorf("HAR file %s has no log", path)
	}
	return &archive, nil
}

// Exchanges converts every entry that has a response body into an exchange,
// in archive order
func Exchanges(archive *cdphar.HAR) ([]types.Exchange, error) {
	if archive == nil || archive.Log == nil {
		return nil, nil
	}
	out := make([]types.Exchange, 0, len(archive.Log.Entries))
	for i, e := range archive.Log.Entries {
		if e == nil || e.Request == nil || e.Response == nil {
			continue
		}
		body, err := responseBody(e.Response.Content)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Request.URL, err)
		}
		if len(body) == 0 {
			continue
		}
		out = append(out, types.Exchange{
			URL:           e.Request.URL,
			Method:        e.Request.Method,
			RequestHeader: requestHeader(e.Request),
			RequestBody:   postData(e.Request.PostData),
			Status:        int(e.Response.Status),
			Body:          body,
			Source:        types.SourceReplay,
			ObservedAt:    started(e.StartedDateTime),
		})
	}
	return out, nil
}

// Replay sends the archive's exchanges to out and returns how many were sent
func Replay(ctx context.Context, archive *cdphar.HAR, out chan<- types.Exchange) (int, error) {
	exchanges, err := Exchanges(archive)
	if err != nil {
		return 0, err
	}
	for i, ex := range exchanges {
		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case out <- ex:
		}
	}
	return len(exchanges), nil
}

func responseBody(c *cdphar.Content) ([]byte, error) {
	if c == nil || c.Text == "" {
		return nil, nil
	}
	if strings.EqualFold(c.Encoding, "base64") {
		b, err := base64.StdEncoding.DecodeString(c.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		return b, nil
	}
	return []byte(c.Text), nil
}

func requestHeader(r *cdphar.Request) http.Header {
	h := http.Header{}
	for _, nv := range r.Headers {
		if nv == nil || strings.HasPrefix(nv.Name, ":") {
			continue
		}
		h.Add(nv.Name, nv.Value)
	}
	if h.Get("Cookie") == "" && len(r.Cookies) > 0 {
		parts := make([]string, 0, len(r.Cookies))
		for _, c := range r.Cookies {
			if c != nil {
				parts = append(parts, c.Name+"="+c.Value)
			}
		}
		h.Set("Cookie", strings.Join(parts, "; "))
	}
	return h
}

func postData(p *cdphar.PostData) []byte {
	if p == nil || p.Text == "" {
		return nil
	}
	return []byte(p.Text)
}

func started(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
