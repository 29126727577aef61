package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a store or table is constructed with invalid settings.
	ErrConfiguration = errors.New("invalid memory configuration")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("memory persistence failed")
	// ErrInvalidRecord is returned by Append for records the store refuses to persist.
	ErrInvalidRecord = errors.New("invalid record")
)

// PersistenceError wraps a failure of the persistence collaborator.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
