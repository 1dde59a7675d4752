package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrMalformedResult is returned when a server reply is not a result envelope
var ErrMalformedResult = errors.New("malformed result envelope")

// Result is the envelope the conferencing server wraps every reply in,
// both signaling acknowledgements and meeting API responses.
type Result struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// FailedError carries the server's message for a failed result
type FailedError struct {
	Message string
}

func (e *FailedError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// Success builds a success result around data
func Success(data any) (Result, error) {
	if data == nil {
		return Result{Status: StatusSuccess}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusSuccess, Data: raw}, nil
}

// Failed builds a failed result with a message
func Failed(message string) Result {
	return Result{Status: StatusFailed, Message: message}
}

// Unwrap decodes the data of a success result into out (which may be nil) or
// returns a *FailedError for a failed one.
func (r Result) Unwrap(out any) error {
	switch r.Status {
	case StatusSuccess:
		if out == nil || len(r.Data) == 0 || string(r.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("failed to decode result data: %w", err)
		}
		return nil
	case StatusFailed:
		return &FailedError{Message: r.Message}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrMalformedResult, r.Status)
	}
}

// UnwrapBytes parses a raw result envelope and unwraps it into out
func UnwrapBytes(body []byte, out any) error {
	var r Result
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	return r.Unwrap(out)
}
