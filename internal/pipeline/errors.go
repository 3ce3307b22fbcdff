package pipeline

import (
	"errors"
	"strings"
)

var (
	// ErrTargetNotFound is returned for an unknown target key.
	ErrTargetNotFound = errors.New("target not found")
	// ErrCancelled is returned when a generation was cancelled by the caller
	// or replaced by a newer generation on the same target.
	ErrCancelled = errors.New("generation cancelled")
	// ErrPreviewFailed is returned when a script could not be applied to the
	// target. The script record is marked failed.
	ErrPreviewFailed = errors.New("preview failed")
)

// ValidationError reports a model response that did not yield a usable script.
type ValidationError struct {
	Errors   []string
	Warnings []string
	RawText  string
}

func (e *ValidationError) Error() string {
	return "generated script rejected: " + strings.Join(e.Errors, "; ")
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
