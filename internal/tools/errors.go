package tools

import (
	"errors"
	"fmt"
)

// ErrManagerClosed is returned by Reconcile after Close.
var ErrManagerClosed = errors.New("tool manager is closed")

// DuplicateToolError is returned when adding a tool whose name is taken.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already exists: %s", e.Name)
}

// ToolNotFoundError is returned for operations on an unknown tool name.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// ToolInUseError is returned when removing a tool that is enabled or still
// holds a live connection.
type ToolInUseError struct {
	Name   string
	Reason string
}

func (e *ToolInUseError) Error() string {
	return fmt.Sprintf("tool %s is in use: %s", e.Name, e.Reason)
}

// ConnectionOpenError records why a tool connection could not be opened.
// It is carried inside a reconcile Outcome rather than returned.
type ConnectionOpenError struct {
	Tool string
	Err  error
}

func (e *ConnectionOpenError) Error() string {
	return fmt.Sprintf("opening connection to %s: %v", e.Tool, e.Err)
}

func (e *ConnectionOpenError) Unwrap() error { return e.Err }
