package extract

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-scripts/perseus-capture/internal/flowfilter"
	"github.com/go-scripts/perseus-capture/internal/types"
)

// reservedItemPaths are tried in order until one yields identifiers
var reservedItemPaths = [][]string{
	{"data", "getOrCreatePracticeTask", "result", "userTask", "task", "reservedItems"},
	{"data", "practiceItemsPreload", "reservedItems"},
	{"data", "getPracticeItems", "reservedItems"},
	{"data", "getAssessmentItemsForExercise", "reservedItems"},
}

const reservedPrefix = "assessmentitem|"

// Raw-body fallbacks for payload layouts we have no path for
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`assessmentitem\|(x?[a-f0-9]{16})`),
	regexp.MustCompile(`"(?:itemId|assessmentItemId)"\s*:\s*"(x[a-f0-9]{16})"`),
	regexp.MustCompile(`"contentId"\s*:\s*"(x[a-f0-9]{16})"`),
}

// ExtractManifest reads the ordered identifier list and the session context
// from a manifest exchange
func ExtractManifest(ex types.Exchange) (types.Manifest, error) {
	op := flowfilter.Operation(ex)
	m := types.Manifest{
		Operation: op,
		Context:   ContextFromHeader(ex.RequestHeader),
	}

	root, err := decodeObject(ex.Body)
	if err != nil {
		return m, fmt.Errorf("%s: %w", op, err)
	}

	for _, path := range reservedItemPaths {
		ids := reservedIDs(dig(root, path))
		if len(ids) > 0 {
			m.IDs = ids
			return m, nil
		}
	}

	m.IDs = scanIDs(ex.Body)
	if len(m.IDs) == 0 {
		return m, fmt.Errorf("%s: no reserved items: %w", op, ErrMissingFields)
	}
	return m, nil
}

func dig(root map[string]any, path []string) any {
	var cur any = root
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func reservedIDs(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, entry := range list {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if idx := strings.LastIndexByte(s, '|'); idx >= 0 {
			if !strings.EqualFold(s[:idx+1], reservedPrefix) {
				continue
			}
			s = s[idx+1:]
		}
		if types.ValidID(s) {
			ids = append(ids, s)
		}
	}
	return ids
}

func scanIDs(body []byte) []string {
	var ids []string
	for _, re := range idPatterns {
		for _, m := range re.FindAllSubmatch(body, -1) {
			if id := string(m[1]); types.ValidID(id) {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	return ids
}

// ContextFromHeader picks the request headers an active fetch needs to look
// like the browser's own requests
func ContextFromHeader(h http.Header) types.SessionContext {
	if h == nil {
		return types.SessionContext{}
	}
	ctx := types.SessionContext{
		Cookie:         h.Get("Cookie"),
		UserAgent:      h.Get("User-Agent"),
		FKey:           h.Get("X-KA-FKey"),
		Referer:        h.Get("Referer"),
		AcceptLanguage: h.Get("Accept-Language"),
	}
	if ctx.FKey == "" && ctx.Cookie != "" {
		ctx.FKey = cookieValue(ctx.Cookie, "fkey")
	}
	return ctx
}

func cookieValue(header, name string) string {
	req := http.Request{Header: http.Header{"Cookie": {header}}}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
