package engine

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyRunning indicates a workflow start conflicted with a
	// running execution under the same ID.
	ErrAlreadyRunning = errors.New("workflow already running")
	// ErrNotRunning indicates a signal or cancel targeted an ID with no
	// running execution.
	ErrNotRunning = errors.New("workflow not running")
	// ErrCanceled indicates the workflow or activity was cancelled. Engine
	// adapters normalize backend-specific cancellation errors to this so
	// fabric code classifies cancellations uniformly.
	ErrCanceled = errors.New("workflow canceled")
)

// IsCanceled reports whether err represents a cancellation, either the
// engine sentinel or a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
