package storage

import (
	"context"

	"github.com/iudanet/clinicsync/internal/models"
)

// CanonicalTx groups canonical store operations executed inside one transaction.
// All reads and writes for a single incoming change go through one CanonicalTx,
// which makes compare-and-apply atomic per (collection, documentId).
type CanonicalTx interface {
	// ChangeApplied reports whether syncID was already applied to any entry
	ChangeApplied(ctx context.Context, syncID string) (bool, error)

	// GetEntry retrieves canonical entry including tombstones
	// Returns ErrEntryNotFound if entry doesn't exist
	GetEntry(ctx context.Context, collection, documentID string) (*models.CanonicalEntry, error)

	// SaveEntry inserts or replaces canonical entry for (collection, documentId)
	SaveEntry(ctx context.Context, entry *models.CanonicalEntry) error

	// AppendChange appends applied change to the change log
	// Returns assigned sequence number
	AppendChange(ctx context.Context, change *models.ChangeRecord) (int64, error)

	// GetConflictBySyncID returns concurrent-version conflict raised by syncID
	// Returns ErrConflictNotFound if syncID never conflicted
	GetConflictBySyncID(ctx context.Context, syncID string) (*models.ConflictRecord, error)

	// CreateConflict stores a new conflict record
	// Returns false without error if an equivalent conflict already exists
	CreateConflict(ctx context.Context, conflict *models.ConflictRecord) (bool, error)

	// SaveIdentityKeys attaches identity keys to a document
	SaveIdentityKeys(ctx context.Context, collection, documentID string, keys []string) error

	// FindIdentityMatches returns live entries of the collection sharing any key,
	// created by a node other than createdBy, excluding documentID itself
	FindIdentityMatches(ctx context.Context, collection, documentID, createdBy string, keys []string) ([]*models.CanonicalEntry, error)
}

// CanonicalStorage defines interface for canonical replica persistence
type CanonicalStorage interface {
	// InTx runs fn inside a single serializable transaction
	// Transaction is rolled back if fn returns error
	InTx(ctx context.Context, fn func(tx CanonicalTx) error) error

	// GetEntry retrieves canonical entry including tombstones
	// Returns ErrEntryNotFound if entry doesn't exist
	GetEntry(ctx context.Context, collection, documentID string) (*models.CanonicalEntry, error)

	// GetChangesSince returns change log rows of the collection with sequence > since,
	// ordered by sequence. Returns empty slice if nothing new.
	GetChangesSince(ctx context.Context, collection string, since int64, limit int) ([]*models.Delta, error)

	// LatestSequence returns highest sequence of the collection or 0
	LatestSequence(ctx context.Context, collection string) (int64, error)
}
