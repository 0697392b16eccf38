package collect

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a run stops at a cancellation check.
var ErrCancelled = errors.New("run cancelled")

// ErrSkipItem drops one batch item without failing the run.
var ErrSkipItem = errors.New("item skipped")

// ErrEmptyBatch is returned when no items survive to the next stage.
var ErrEmptyBatch = errors.New("no items left in batch")

// StageError is a stage-aware fatal error with optional command context.
type StageError struct {
	Stage      string     `json:"stage"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats stage failures for logs and status records.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Stage,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
