package flowfilter

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// graphqlPrefix is the path under which the platform serves persisted GraphQL operations
const graphqlPrefix = "/api/internal/graphql/"

// DefaultHost is the platform host exchanges must belong to
const DefaultHost = "khanacademy.org"

// DefaultManifestOps are operations whose responses list reserved practice items
var DefaultManifestOps = []string{
	"getOrCreatePracticeTask",
	"createPracticeTask",
	"practiceItemsPreload",
	"practiceItemsForAssessment",
	"getAssessmentItemsForExercise",
	"getPracticeItems",
	"getPracticeItemsForUser",
}

// DefaultItemOps are operations whose responses carry a single question
var DefaultItemOps = []string{
	"getAssessmentItem",
	"assessmentItem",
}

// Filter classifies exchanges by operation name
type Filter struct {
	manifest map[string]struct{}
	item     map[string]struct{}
	host     string
}

// New creates a Filter. Empty operation lists fall back to the defaults;
// an empty host accepts any host.
func New(manifestOps, itemOps []string, host string) *Filter {
	if len(manifestOps) == 0 {
		manifestOps = DefaultManifestOps
	}
	if len(itemOps) == 0 {
		itemOps = DefaultItemOps
	}
	return &Filter{
		manifest: lowerSet(manifestOps),
		item:     lowerSet(itemOps),
		host:     strings.ToLower(host),
	}
}

// NewDefault creates a Filter with the built-in operation sets
func NewDefault() *Filter {
	return New(nil, nil, DefaultHost)
}

// Classify returns the kind of the exchange. It has no side effects.
func (f *Filter) Classify(ex types.Exchange) types.Kind {
	if ex.Status != 0 && (ex.Status < 200 || ex.Status > 299) {
		return types.KindIrrelevant
	}
	if !f.hostAllowed(ex.URL) {
		return types.KindIrrelevant
	}
	op := strings.ToLower(Operation(ex))
	if op == "" {
		return types.KindIrrelevant
	}
	if _, ok := f.manifest[op]; ok {
		return types.KindManifest
	}
	if _, ok := f.item[op]; ok {
		return types.KindItem
	}
	return types.KindIrrelevant
}

func (f *Filter) hostAllowed(raw string) bool {
	if f.host == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// relative or unparseable URLs come from replays and fetches we built ourselves
		return err == nil
	}
	host := strings.ToLower(u.Hostname())
	return host == f.host || strings.HasSuffix(host, "."+f.host)
}

// Operation resolves the operation name of an exchange: the explicit field,
// then the GraphQL URL path, then the request body's operationName.
func Operation(ex types.Exchange) string {
	if ex.Operation != "" {
		return ex.Operation
	}
	if op := operationFromURL(ex.URL); op != "" {
		return op
	}
	return operationFromBody(ex.RequestBody)
}

func operationFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	idx := strings.Index(u.Path, graphqlPrefix)
	if idx < 0 {
		return ""
	}
	rest := u.Path[idx+len(graphqlPrefix):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

type opEnvelope struct {
	OperationName string `json:"operationName"`
}

func operationFromBody(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	switch body[0] {
	case '{':
		var env opEnvelope
		if err := json.Unmarshal(body, &env); err == nil {
			return env.OperationName
		}
	case '[':
		var batch []opEnvelope
		if err := json.Unmarshal(body, &batch); err == nil {
			for _, env := range batch {
				if env.OperationName != "" {
					return env.OperationName
				}
			}
		}
	}
	return ""
}

func lowerSet(ops []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		set[strings.ToLower(op)] = struct{}{}
	}
	return set
}
