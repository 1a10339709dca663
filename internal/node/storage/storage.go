// Package storage описывает долговременное хранилище узла: очередь изменений,
// локальные документы, курсоры pull и метаданные синхронизации.
package storage

import (
	"context"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
)

//go:generate moq -out storage_mock.go . ChangeQueue DocumentStorage MetadataStorage

// Tx operations available inside one atomic write transaction.
// Capture and pull application both go through Tx so that a document write
// is never persisted without its queue record or cursor.
type Tx interface {
	// GetDocument returns ErrDocumentNotFound if document doesn't exist
	GetDocument(collection, documentID string) (*models.LocalDocument, error)

	// PutDocument stores the document, replacing previous state
	PutDocument(doc *models.LocalDocument) error

	// Enqueue appends change record to the queue in pending state
	// Returns ErrDuplicateSyncID if sync id is already queued
	Enqueue(change *models.ChangeRecord) error

	// GetCursor returns last delivered sequence of the collection, 0 if never pulled
	GetCursor(collection string) (int64, error)

	// SetCursor moves cursor forward, never backwards
	SetCursor(collection string, sequence int64) error
}

// DocumentStorage defines interface for the node's local replica
type DocumentStorage interface {
	// InTx runs fn inside one write transaction, everything fn did is rolled back on error
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// GetDocument retrieves local document
	// Returns ErrDocumentNotFound if document doesn't exist
	GetDocument(ctx context.Context, collection, documentID string) (*models.LocalDocument, error)

	// ListCursors returns last delivered sequence per collection
	ListCursors(ctx context.Context) (map[string]int64, error)
}

// QueueStats summary of the local change queue
type QueueStats struct {
	OldestPendingAt time.Time // zero if nothing is pending or in flight
	Pending         int
	InFlight        int
	Failed          int
	Conflicted      int
	OpenConflicts   int // tracked conflicts not resolved on the aggregator
}

// ChangeQueue defines interface for the durable local change queue.
// Records are ordered FIFO per document and never removed before acknowledgement.
type ChangeQueue interface {
	// DequeueBatch marks up to max eligible pending records in-flight and returns them.
	// A record is held back while an earlier record of the same document is
	// in flight or waiting out its backoff.
	DequeueBatch(ctx context.Context, max int, now time.Time) ([]*models.ChangeRecord, error)

	// MarkAcknowledged removes in-flight record from the queue
	MarkAcknowledged(ctx context.Context, syncID string) error

	// MarkFailed returns in-flight record to pending, increments attempts
	// and makes it eligible again at nextAttemptAt
	MarkFailed(ctx context.Context, syncID, cause string, nextAttemptAt time.Time) error

	// MarkConflicted moves record to terminal conflicted state with the conflict attached.
	// A conflict with an id is tracked until the aggregator reports it resolved.
	MarkConflicted(ctx context.Context, syncID string, conflict *models.ConflictRecord) error

	// TrackConflict remembers conflict reported for an acknowledged record
	TrackConflict(ctx context.Context, conflict *models.ConflictRecord) error

	// ListOpenConflicts returns tracked conflicts that are not resolved yet
	ListOpenConflicts(ctx context.Context) ([]*models.ConflictRecord, error)

	// SettleConflict applies conflict state reported by the aggregator.
	// A resolved conflict is archived and the conflicted record it holds is removed from the queue.
	// Returns ErrConflictNotFound if conflict is not tracked
	SettleConflict(ctx context.Context, conflict *models.ConflictRecord) error

	// MarkDeadLetter moves record to terminal failed state
	MarkDeadLetter(ctx context.Context, syncID, cause string) error

	// ReleaseInFlight returns in-flight records to pending without counting an attempt
	ReleaseInFlight(ctx context.Context, syncIDs []string) error

	// RecoverInFlight returns all in-flight records to pending, used on start
	RecoverInFlight(ctx context.Context) (int, error)

	// RetryDeadLetter returns failed record to pending with attempts reset
	// Returns ErrInvalidTransition if record is not dead-lettered
	RetryDeadLetter(ctx context.Context, syncID string) error

	// GetChange retrieves queued record by sync id
	// Returns ErrChangeNotFound if record doesn't exist
	GetChange(ctx context.Context, syncID string) (*models.ChangeRecord, error)

	// ListByState returns records in the given state in queue order
	ListByState(ctx context.Context, state models.DeliveryState) ([]*models.ChangeRecord, error)

	// Stats returns queue counters
	Stats(ctx context.Context) (*QueueStats, error)
}

// SyncMetadata contact history of the node
type SyncMetadata struct {
	LastPushAt  *time.Time
	LastPullAt  *time.Time
	AuthAlertAt *time.Time
	AuthAlert   string
}

// MetadataStorage defines interface for node sync metadata
type MetadataStorage interface {
	// RecordPush saves time of the last successful push and clears auth alert
	RecordPush(ctx context.Context, at time.Time) error

	// RecordPull saves time of the last successful pull and clears auth alert
	RecordPull(ctx context.Context, at time.Time) error

	// SetAuthAlert stores node health alert after an auth failure
	SetAuthAlert(ctx context.Context, alert string, at time.Time) error

	// GetSyncMetadata returns stored metadata, zero values if nothing was recorded
	GetSyncMetadata(ctx context.Context) (*SyncMetadata, error)
}
