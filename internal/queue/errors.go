package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicateItem  = errors.New("duplicate queue item")
	ErrClosed         = errors.New("queue store closed")
	ErrNotImplemented = errors.New("not implemented")
)

type DuplicateItemError struct {
	Box string
	ID  string
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("duplicate queue item %s/%s", e.Box, e.ID)
}

func (e *DuplicateItemError) Is(target error) bool {
	return target == ErrDuplicateItem
}

// StorageError wraps a failure of the underlying storage. Callers own the retry policy.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrDuplicateItem) || errors.Is(err, ErrClosed) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
