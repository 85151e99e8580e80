package dispatch

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned when an invocation names an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// ExecutionError wraps a failure from a tool handler.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
