package extract

import "errors"

var (
	// ErrMalformedPayload means the body is not JSON or lacks the expected envelope
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingFields means the shape matched but a required field is absent or empty
	ErrMissingFields = errors.New("missing required fields")
	// ErrUnexpectedNesting means no known shape matched the assessment item
	ErrUnexpectedNesting = errors.New("unexpected nesting")
)
