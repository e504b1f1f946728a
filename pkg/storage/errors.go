package storage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrKeyExists  = errors.New("object already exists at this key")
	ErrInvalidKey = errors.New("invalid storage key")
	ErrTooLarge   = errors.New("object exceeds maximum size")
)

// StorageError records the operation and key of a failed storage call
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
