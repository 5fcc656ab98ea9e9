package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrBackend marks failures reported by the backend.
	ErrBackend = errors.New("engine: backend error")

	// ErrNotRunning is returned by Step outside of a running manual run.
	ErrNotRunning = errors.New("engine: not running")

	// ErrThreaded is returned by Step while the stepping goroutine drives the run.
	ErrThreaded = errors.New("engine: run is driven by the stepping goroutine")

	// ErrInvalidOptions indicates unusable engine options.
	ErrInvalidOptions = errors.New("engine: invalid options")
)

// BackendError wraps a backend failure with where it happened.
type BackendError struct {
	Op   string
	Step int
	Time float64
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("engine: backend %s at step %d (t=%.4f): %v", e.Op, e.Step, e.Time, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }
