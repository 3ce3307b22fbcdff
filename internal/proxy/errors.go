package proxy

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned by NewClient when the transport is misconfigured.
var ErrConfiguration = errors.New("configuration error")

const (
	msgTimedOut     = "Model request timed out."
	msgNoCompletion = "Model response did not include completion text."
)

// ModelRequestError is a provider- or network-side failure of a single
// generation attempt. Status is zero when no HTTP response was received.
type ModelRequestError struct {
	Message string
	Status  int
	Details any
	Err     error
}

func (e *ModelRequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model request failed (HTTP %d): %s", e.Status, e.Message)
	}
	return "model request failed: " + e.Message
}

func (e *ModelRequestError) Unwrap() error {
	return e.Err
}

// TimedOut reports whether the error came from the request deadline or a
// caller cancellation.
func (e *ModelRequestError) TimedOut() bool {
	return e.Message == msgTimedOut
}

// IsModelRequestError reports whether err wraps a *ModelRequestError.
func IsModelRequestError(err error) bool {
	var mre *ModelRequestError
	return errors.As(err, &mre)
}
