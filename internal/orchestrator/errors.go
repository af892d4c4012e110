package orchestrator

import (
	"errors"
	"fmt"
)

// ErrMaxRounds is returned when a turn needs more generation rounds than allowed.
var ErrMaxRounds = errors.New("orchestrator: maximum generation rounds exceeded")

// ModelCallError wraps a provider failure that ended a turn.
type ModelCallError struct {
	Provider string
	Model    string
	Attempts int
	// Streaming is true when the failure arrived after deltas were produced.
	Streaming bool
	Err       error
}

func (e *ModelCallError) Error() string {
	if e.Streaming {
		return fmt.Sprintf("model %s/%s failed mid-stream: %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("model %s/%s failed after %d attempt(s): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }
