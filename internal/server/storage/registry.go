package storage

import (
	"context"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
)

// NodeStorage defines interface for node registry persistence
type NodeStorage interface {
	// CreateNode creates a new node registration
	// Returns ErrNodeAlreadyExists if node id is taken
	CreateNode(ctx context.Context, node *models.NodeRegistration) error

	// GetNode retrieves node by id
	// Returns ErrNodeNotFound if node doesn't exist
	GetNode(ctx context.Context, nodeID string) (*models.NodeRegistration, error)

	// ListNodes returns all registered nodes ordered by id
	ListNodes(ctx context.Context) ([]*models.NodeRegistration, error)

	// UpdateNodeToken replaces the stored token fingerprint
	// Returns ErrNodeNotFound if node doesn't exist
	UpdateNodeToken(ctx context.Context, nodeID, tokenHash string) error

	// SetSyncEnabled toggles synchronization for the node
	// Returns ErrNodeNotFound if node doesn't exist
	SetSyncEnabled(ctx context.Context, nodeID string, enabled bool) error

	// TouchNode records successful contact of the given kind
	// Updates lastSeenAt together with lastPushAt or lastPullAt
	TouchNode(ctx context.Context, nodeID string, kind models.ContactKind, at time.Time) error
}

// CursorStorage defines interface for aggregator-side sync cursors
type CursorStorage interface {
	// AdvanceCursor moves cursor forward, never backwards
	AdvanceCursor(ctx context.Context, nodeID, collection string, sequence int64, at time.Time) error

	// GetCursor returns cursor of node for the collection
	// Returns ErrCursorNotFound if node has never pulled it
	GetCursor(ctx context.Context, nodeID, collection string) (*models.SyncCursor, error)

	// ListCursors returns all cursors of the node
	ListCursors(ctx context.Context, nodeID string) ([]*models.SyncCursor, error)
}

// ConflictStorage defines interface for operator-facing conflict queries
type ConflictStorage interface {
	// GetConflict retrieves conflict by id
	// Returns ErrConflictNotFound if conflict doesn't exist
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)

	// ListConflicts returns conflicts ordered by detection time.
	// Empty status returns all conflicts.
	ListConflicts(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error)

	// UpdateConflictStatus records operator action on the conflict
	// Returns ErrConflictNotFound if conflict doesn't exist
	UpdateConflictStatus(ctx context.Context, id string, status models.ConflictStatus, resolvedBy, note string, at time.Time) error
}
