package fetch

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-scripts/perseus-capture/internal/types"
)

const itemOperation = "getAssessmentItem"

// defaultItemQuery asks for the same fields the exercise page does
const defaultItemQuery = `query getAssessmentItem($id: String!) {
  assessmentItem(id: $id) {
    __typename
    error {
      __typename
      ... on SingleMessageError {
        message
      }
    }
    item {
      __typename
      id
      itemData
      problemType
      sha
    }
  }
}`

// idVariables are the variable names a learned query may use for the item id
var idVariables = []string{"id", "assessmentItemId", "itemId"}

type graphqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

// queryTemplate is the getAssessmentItem request the page itself sends.
// When one has been observed it replaces the built-in query.
type queryTemplate struct {
	mu        sync.RWMutex
	query     string
	variables map[string]any
	idVar     string
}

// Learn records the query of an observed getAssessmentItem request body.
// It reports whether the body was usable.
func (t *queryTemplate) Learn(body []byte) bool {
	var req graphqlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	if !strings.EqualFold(req.OperationName, itemOperation) || strings.TrimSpace(req.Query) == "" {
		return false
	}
	idVar := ""
	for _, name := range idVariables {
		if _, ok := req.Variables[name]; ok {
			idVar = name
			break
		}
	}
	if idVar == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.query = req.Query
	t.variables = req.Variables
	t.idVar = idVar
	return true
}

// Learned reports whether an observed query is in use
func (t *queryTemplate) Learned() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.query != ""
}

// Build returns the request payload for one item id
func (t *queryTemplate) Build(id string) graphqlRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.query == "" {
		return graphqlRequest{
			OperationName: itemOperation,
			Variables:     map[string]any{"id": id},
			Query:         defaultItemQuery,
		}
	}

	vars := make(map[string]any, len(t.variables))
	for k, v := range t.variables {
		vars[k] = v
	}
	vars[t.idVar] = id
	return graphqlRequest{
		OperationName: itemOperation,
		Variables:     vars,
		Query:         t.query,
	}
}

// requestHeaders builds the headers for an active fetch from the captured context
func requestHeaders(sc types.SessionContext, origin string) map[string]string {
	h := map[string]string{
		"Content-Type":     "application/json",
		"Accept":           "application/json",
		"Accept-Encoding":  "gzip",
		"X-Requested-With": "XMLHttpRequest",
	}
	if origin != "" {
		h["Origin"] = origin
		h["Referer"] = origin + "/"
	}
	if sc.Cookie != "" {
		h["Cookie"] = sc.Cookie
	}
	if sc.UserAgent != "" {
		h["User-Agent"] = sc.UserAgent
	}
	if sc.FKey != "" {
		h["X-KA-FKey"] = sc.FKey
	}
	if sc.Referer != "" {
		h["Referer"] = sc.Referer
	}
	if sc.AcceptLanguage != "" {
		h["Accept-Language"] = sc.AcceptLanguage
	}
	return h
}
