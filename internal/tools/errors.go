// Package tools provides the tool registry and execution framework.
//
// This file defines the error types and failure kinds for tool execution.
package tools

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a failed [Result].
type ErrorKind string

const (
	// KindNotFound: the referenced conversation, operation or article
	// does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindValidation: arguments are missing or malformed.
	KindValidation ErrorKind = "validation"
	// KindCollaborator: the language model, messaging surface or
	// article store failed or timed out.
	KindCollaborator ErrorKind = "collaborator"
	// KindStale: the operation no longer applies to the current state
	// (article already published, pending action already consumed).
	KindStale ErrorKind = "stale"
)

// ErrToolUnavailable is returned when a name does not resolve to any
// registered tool. This is a capability mismatch, not a transient
// failure; callers should not retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArguments is returned when arguments fail structural
// validation against a tool's parameter schema.
type ErrInvalidArguments struct {
	ToolName   string
	Violations []string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.ToolName, strings.Join(e.Violations, "; "))
}
