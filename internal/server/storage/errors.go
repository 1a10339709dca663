package storage

import "errors"

// Common storage errors
var (
	// ErrEntryNotFound indicates that canonical entry was not found
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNodeNotFound indicates that node registration was not found
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAlreadyExists indicates that node with this id is already registered
	ErrNodeAlreadyExists = errors.New("node already exists")

	// ErrConflictNotFound indicates that conflict record was not found
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCursorNotFound indicates that node has never pulled the collection
	ErrCursorNotFound = errors.New("cursor not found")
)
