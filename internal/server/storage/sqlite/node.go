package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
)

const nodeColumns = `
	node_id, display_name, token_hash, sync_enabled, synced_collections,
	push_interval_ms, pull_interval_ms, last_push_at, last_pull_at, last_seen_at, created_at
`

// CreateNode creates a new node registration
func (s *Storage) CreateNode(ctx context.Context, node *models.NodeRegistration) error {
	collections, err := json.Marshal(nonNil(node.SyncedCollections))
	if err != nil {
		return fmt.Errorf("failed to marshal collections: %w", err)
	}

	query := `INSERT INTO nodes (` + nodeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		node.NodeID,
		node.DisplayName,
		node.TokenHash,
		boolToInt(node.SyncEnabled),
		string(collections),
		node.PushInterval.Milliseconds(),
		node.PullInterval.Milliseconds(),
		nullTime(node.LastPushAt),
		nullTime(node.LastPullAt),
		nullTime(node.LastSeenAt),
		node.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return storage.ErrNodeAlreadyExists
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}

	return nil
}

// GetNode retrieves node by id
func (s *Storage) GetNode(ctx context.Context, nodeID string) (*models.NodeRegistration, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE node_id = ?`

	return scanNode(s.db.QueryRowContext(ctx, query, nodeID))
}

// ListNodes returns all registered nodes ordered by id
func (s *Storage) ListNodes(ctx context.Context) ([]*models.NodeRegistration, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY node_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*models.NodeRegistration, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// UpdateNodeToken replaces the stored token fingerprint
func (s *Storage) UpdateNodeToken(ctx context.Context, nodeID, tokenHash string) error {
	return s.execNode(ctx, `UPDATE nodes SET token_hash = ? WHERE node_id = ?`, tokenHash, nodeID)
}

// SetSyncEnabled toggles synchronization for the node
func (s *Storage) SetSyncEnabled(ctx context.Context, nodeID string, enabled bool) error {
	return s.execNode(ctx, `UPDATE nodes SET sync_enabled = ? WHERE node_id = ?`, boolToInt(enabled), nodeID)
}

// TouchNode records successful push or pull
func (s *Storage) TouchNode(ctx context.Context, nodeID string, kind models.ContactKind, at time.Time) error {
	var query string
	switch kind {
	case models.ContactPush:
		query = `UPDATE nodes SET last_push_at = ?, last_seen_at = ? WHERE node_id = ?`
	case models.ContactPull:
		query = `UPDATE nodes SET last_pull_at = ?, last_seen_at = ? WHERE node_id = ?`
	default:
		return fmt.Errorf("unknown contact kind %q", kind)
	}

	at = at.UTC()
	return s.execNode(ctx, query, at, at, nodeID)
}

func (s *Storage) execNode(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNodeNotFound
	}
	return nil
}

// AdvanceCursor moves the node's cursor forward
func (s *Storage) AdvanceCursor(ctx context.Context, nodeID, collection string, sequence int64, at time.Time) error {
	query := `
		INSERT INTO sync_cursors (node_id, collection, last_sequence_delivered, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id, collection) DO UPDATE SET
			last_sequence_delivered = MAX(last_sequence_delivered, excluded.last_sequence_delivered),
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, nodeID, collection, sequence, at.UTC()); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// GetCursor returns cursor of node for the collection
func (s *Storage) GetCursor(ctx context.Context, nodeID, collection string) (*models.SyncCursor, error) {
	query := `
		SELECT node_id, collection, last_sequence_delivered, updated_at
		FROM sync_cursors
		WHERE node_id = ? AND collection = ?
	`

	c := &models.SyncCursor{}
	err := s.db.QueryRowContext(ctx, query, nodeID, collection).Scan(
		&c.NodeID, &c.Collection, &c.LastSequenceDelivered, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrCursorNotFound
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

// ListCursors returns all cursors of the node
func (s *Storage) ListCursors(ctx context.Context, nodeID string) ([]*models.SyncCursor, error) {
	query := `
		SELECT node_id, collection, last_sequence_delivered, updated_at
		FROM sync_cursors
		WHERE node_id = ?
		ORDER BY collection ASC
	`

	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	cursors := make([]*models.SyncCursor, 0)
	for rows.Next() {
		c := &models.SyncCursor{}
		if err := rows.Scan(&c.NodeID, &c.Collection, &c.LastSequenceDelivered, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}

func scanNode(row rowScanner) (*models.NodeRegistration, error) {
	node := &models.NodeRegistration{}
	var enabled int
	var collections string
	var pushMs, pullMs int64
	var lastPush, lastPull, lastSeen sql.NullTime

	err := row.Scan(
		&node.NodeID,
		&node.DisplayName,
		&node.TokenHash,
		&enabled,
		&collections,
		&pushMs,
		&pullMs,
		&lastPush,
		&lastPull,
		&lastSeen,
		&node.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	node.SyncEnabled = enabled != 0
	node.PushInterval = time.Duration(pushMs) * time.Millisecond
	node.PullInterval = time.Duration(pullMs) * time.Millisecond
	node.LastPushAt = timePtr(lastPush)
	node.LastPullAt = timePtr(lastPull)
	node.LastSeenAt = timePtr(lastSeen)

	if err := json.Unmarshal([]byte(collections), &node.SyncedCollections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collections: %w", err)
	}
	if len(node.SyncedCollections) == 0 {
		node.SyncedCollections = nil
	}

	return node, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// boolToInt converts bool to int for SQLite
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
