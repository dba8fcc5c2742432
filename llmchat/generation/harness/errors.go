package harness

import "errors"

var (
	// ErrModelUnavailable means no inference session could be obtained.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInferenceFailure means generation started but did not complete.
	ErrInferenceFailure = errors.New("inference failure")
)
