package storage

import "errors"

// Common node storage errors
var (
	// ErrChangeNotFound indicates that change record is not in the queue
	ErrChangeNotFound = errors.New("change not found")

	// ErrDocumentNotFound indicates that local document doesn't exist
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidTransition indicates that the record's delivery state doesn't allow the operation
	ErrInvalidTransition = errors.New("invalid delivery state transition")

	// ErrDuplicateSyncID indicates that a change with this sync id is already queued
	ErrDuplicateSyncID = errors.New("duplicate sync id")

	// ErrConflictNotFound indicates that the conflict is not tracked by the node
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
