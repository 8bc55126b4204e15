package models

import (
	"fmt"
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a uniqueness or overlap violation.
type ConflictError struct {
	Resource string
	Value    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already in use", e.Resource, e.Value)
}

// PreconditionError reports an operation that is not valid in the current
// lifecycle state.
type PreconditionError struct {
	Op    string
	State InterfaceStatus
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s interface in state %s", e.Op, e.State)
}

// DriverError wraps a tunnel driver failure, including timeouts.
type DriverError struct {
	Op        string
	Interface string
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s %s: %v", e.Op, e.Interface, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// KeyUnavailableError is returned when a client config is requested for a peer
// whose private key the service does not hold.
type KeyUnavailableError struct {
	PeerID string
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("private key of peer %s is not held by the service", e.PeerID)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
