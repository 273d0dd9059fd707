package subagent

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is wrapped by coordinators when a reservation would exceed
	// the limit.
	ErrCapacity = errors.New("subagent capacity exceeded")
	// ErrNotFound is wrapped by stores for unknown executions and groups.
	ErrNotFound = errors.New("not found")
)

// CapacityError is returned when a spawn would exceed the concurrency cap.
type CapacityError struct {
	Requested int
	Active    int
	Limit     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("cannot start %d subagent(s): %d of %d slots in use", e.Requested, e.Active, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// NotFoundError is returned for unknown executions and groups.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports an invalid spawn request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid spawn request: " + e.Reason
}
