package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrDuplicate    = errors.New("duplicate task")
	ErrInvalidState = errors.New("invalid task state")
)

// DuplicateError rejects a submission whose key is held by a live task.
type DuplicateError struct {
	Kind       Kind
	Key        string
	ExistingID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s task already exists for %s (id %d)", e.Kind, e.Key, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// BusyError rejects Remove on a task that has not reached a terminal state.
type BusyError struct {
	TaskID int64
	Status Status
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("task %d is busy (%s)", e.TaskID, e.Status)
}

func notFound(kind Kind, id int64) error {
	return fmt.Errorf("%s task %d: %w", kind, id, ErrNotFound)
}
