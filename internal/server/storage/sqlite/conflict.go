package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
)

const conflictColumns = `
	id, type, collection, document_id, other_document_id, sync_id,
	competing_versions, status, detected_at, resolved_by, resolved_at, note
`

// GetConflictBySyncID returns concurrent-version conflict raised by syncID
func (t *txStore) GetConflictBySyncID(ctx context.Context, syncID string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE type = ? AND sync_id = ?`

	return scanConflict(t.q.QueryRowContext(ctx, query, string(models.ConflictConcurrentVersion), syncID))
}

// CreateConflict stores conflict, returns false if an equivalent one exists
func (t *txStore) CreateConflict(ctx context.Context, conflict *models.ConflictRecord) (bool, error) {
	versions, err := json.Marshal(conflict.CompetingVersions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal competing versions: %w", err)
	}

	query := `
		INSERT INTO conflicts (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	res, err := t.q.ExecContext(ctx, query,
		conflict.ID,
		string(conflict.Type),
		conflict.Collection,
		conflict.DocumentID,
		conflict.OtherDocumentID,
		conflict.SyncID,
		string(versions),
		string(conflict.Status),
		conflict.DetectedAt.UTC(),
		conflict.ResolvedBy,
		nullTime(conflict.ResolvedAt),
		conflict.Note,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert conflict: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// GetConflict retrieves conflict by id
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`

	return scanConflict(s.db.QueryRowContext(ctx, query, id))
}

// ListConflicts returns conflicts ordered by detection time, optionally filtered by status
func (s *Storage) ListConflicts(ctx context.Context, status models.ConflictStatus) ([]*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]*models.ConflictRecord, 0)
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// UpdateConflictStatus records operator action on the conflict
func (s *Storage) UpdateConflictStatus(ctx context.Context, id string, status models.ConflictStatus, resolvedBy, note string, at time.Time) error {
	var resolvedAt *time.Time
	if status == models.ConflictResolved {
		resolvedAt = &at
	}

	query := `
		UPDATE conflicts
		SET status = ?, resolved_by = ?, note = ?, resolved_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, string(status), resolvedBy, note, nullTime(resolvedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflictNotFound
	}
	return nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	c := &models.ConflictRecord{}
	var conflictType, status, versions string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&conflictType,
		&c.Collection,
		&c.DocumentID,
		&c.OtherDocumentID,
		&c.SyncID,
		&versions,
		&status,
		&c.DetectedAt,
		&c.ResolvedBy,
		&resolvedAt,
		&c.Note,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	c.Type = models.ConflictType(conflictType)
	c.Status = models.ConflictStatus(status)
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}

	if err := json.Unmarshal([]byte(versions), &c.CompetingVersions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal competing versions: %w", err)
	}

	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
