package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// Item is a question extracted from an item response
type Item struct {
	Record types.QuestionRecord
	// Shape names the matcher that recognised the payload
	Shape string
}

// shape locates the node carrying itemData inside an assessmentItem.
// It returns the node and whether it matched. A null or blank itemData
// does not match, so the next shape is tried.
type shape struct {
	name  string
	match func(item map[string]any) (map[string]any, bool)
}

// shapes are tried in order; the first match wins
var shapes = []shape{
	{
		name: "direct",
		match: func(item map[string]any) (map[string]any, bool) {
			return item, hasItemData(item)
		},
	},
	{
		name: "nested",
		match: func(item map[string]any) (map[string]any, bool) {
			inner, ok := item["item"].(map[string]any)
			if !ok {
				return nil, false
			}
			return inner, hasItemData(inner)
		},
	},
}

func hasItemData(node map[string]any) bool {
	switch v := node["itemData"].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}

// declaresItemData reports whether any shape carries an itemData key,
// even an empty one
func declaresItemData(item map[string]any) bool {
	if _, ok := item["itemData"]; ok {
		return true
	}
	if inner, ok := item["item"].(map[string]any); ok {
		_, ok = inner["itemData"]
		return ok
	}
	return false
}

// ExtractItem turns an item response body into a question record
func ExtractItem(op string, body []byte) (Item, error) {
	root, err := decodeObject(body)
	if err != nil {
		return Item{}, err
	}

	assessment, err := locateAssessmentItem(root)
	if err != nil {
		return Item{}, fmt.Errorf("%s: %w", op, err)
	}

	for _, s := range shapes {
		node, ok := s.match(assessment)
		if !ok {
			continue
		}
		rec, err := buildRecord(node, assessment)
		if err != nil {
			return Item{}, fmt.Errorf("%s (%s shape): %w", op, s.name, err)
		}
		return Item{Record: rec, Shape: s.name}, nil
	}

	if declaresItemData(assessment) {
		return Item{}, fmt.Errorf("%s: itemData is empty: %w", op, ErrMissingFields)
	}
	return Item{}, fmt.Errorf("%s: no itemData under assessmentItem: %w", op, ErrUnexpectedNesting)
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode body: %v: %w", err, ErrMalformedPayload)
	}
	if root == nil {
		return nil, fmt.Errorf("body is null: %w", ErrMalformedPayload)
	}
	return root, nil
}

func locateAssessmentItem(root map[string]any) (map[string]any, error) {
	container := root
	if raw, present := root["data"]; present {
		data, ok := raw.(map[string]any)
		if !ok {
			if errs, has := root["errors"]; has {
				return nil, fmt.Errorf("graphql errors %s: %w", compact(errs), ErrMalformedPayload)
			}
			return nil, fmt.Errorf("data is not an object: %w", ErrMalformedPayload)
		}
		container = data
	}

	item, ok := container["assessmentItem"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("no assessmentItem: %w", ErrMalformedPayload)
	}
	if e, ok := item["error"].(map[string]any); ok && len(e) > 0 {
		return nil, fmt.Errorf("assessmentItem error %s: %w", compact(e), ErrMalformedPayload)
	}
	return item, nil
}

func buildRecord(node, parent map[string]any) (types.QuestionRecord, error) {
	id := idOf(node)
	if id == "" {
		id = idOf(parent)
	}
	if id == "" {
		return types.QuestionRecord{}, fmt.Errorf("identifier: %w", ErrMissingFields)
	}
	if !types.ValidID(id) {
		return types.QuestionRecord{}, fmt.Errorf("identifier %q is not a usable file name: %w", id, ErrMissingFields)
	}

	perseus, err := parseItemData(node["itemData"])
	if err != nil {
		return types.QuestionRecord{}, err
	}

	question, ok := perseus["question"].(map[string]any)
	if !ok || len(question) == 0 {
		return types.QuestionRecord{}, fmt.Errorf("question for %s: %w", id, ErrMissingFields)
	}

	rawHints, ok := perseus["hints"].([]any)
	if !ok {
		return types.QuestionRecord{}, fmt.Errorf("hints for %s: %w", id, ErrMissingFields)
	}
	hints := make([]map[string]any, 0, len(rawHints))
	for i, h := range rawHints {
		hint, ok := h.(map[string]any)
		if !ok {
			return types.QuestionRecord{}, fmt.Errorf("hint %d for %s is not an object: %w", i, id, ErrMissingFields)
		}
		hints = append(hints, hint)
	}

	answerArea, _ := perseus["answerArea"].(map[string]any)
	if answerArea == nil {
		answerArea = map[string]any{}
	}

	return types.QuestionRecord{
		ID:         id,
		Question:   question,
		Hints:      hints,
		AnswerArea: answerArea,
	}, nil
}

// parseItemData accepts itemData as a JSON-encoded string or an inline object
func parseItemData(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("empty itemData: %w", ErrMissingFields)
		}
		obj, err := decodeObject([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("itemData: %w", err)
		}
		return obj, nil
	case nil:
		return nil, fmt.Errorf("null itemData: %w", ErrMissingFields)
	default:
		return nil, fmt.Errorf("itemData has type %T: %w", raw, ErrMalformedPayload)
	}
}

func idOf(node map[string]any) string {
	for _, key := range []string{"id", "assessmentItemId"} {
		if s, ok := node[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
