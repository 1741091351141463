package events

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrDependency = errors.New("dependency failed")
)

// ValidationError reports malformed or missing input. No state was mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a missing event or identity.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports a state machine precondition violation.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DependencyError wraps a failed collaborator call.
type DependencyError struct {
	Op     string
	Target string
	Err    error
}

func (e DependencyError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e DependencyError) Unwrap() error {
	return e.Err
}

func (e DependencyError) Is(target error) bool {
	return target == ErrDependency
}

// dependencyError keeps taxonomy errors returned by a store intact and wraps
// everything else as a DependencyError.
func dependencyError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrDependency) {
		return err
	}
	return DependencyError{Op: op, Target: target, Err: err}
}
