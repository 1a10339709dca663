package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
)

// txStore реализует storage.CanonicalTx поверх *sql.Tx
type txStore struct {
	q             querier
	appliedWindow int
}

// InTx runs fn inside a single transaction
func (s *Storage) InTx(ctx context.Context, fn func(tx storage.CanonicalTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&txStore{q: tx, appliedWindow: s.appliedWindow}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetEntry retrieves canonical entry including tombstones
func (s *Storage) GetEntry(ctx context.Context, collection, documentID string) (*models.CanonicalEntry, error) {
	return getEntry(ctx, s.db, collection, documentID, s.appliedWindow)
}

// GetChangesSince returns change log rows with sequence > since
func (s *Storage) GetChangesSince(ctx context.Context, collection string, since int64, limit int) ([]*models.Delta, error) {
	query := `
		SELECT sequence, collection, document_id, operation, payload, document_version, source_node_id
		FROM change_log
		WHERE collection = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, collection, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	deltas := make([]*models.Delta, 0)
	for rows.Next() {
		d := &models.Delta{}
		var operation string
		var payload []byte
		if err := rows.Scan(
			&d.Sequence,
			&d.Collection,
			&d.DocumentID,
			&operation,
			&payload,
			&d.DocumentVersion,
			&d.SourceNodeID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		d.Operation = models.Operation(operation)
		if len(payload) > 0 {
			d.Payload = payload
		}
		deltas = append(deltas, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return deltas, nil
}

// LatestSequence returns highest sequence of the collection or 0
func (s *Storage) LatestSequence(ctx context.Context, collection string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM change_log WHERE collection = ?`, collection,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}
	return seq.Int64, nil
}

// ChangeApplied reports whether syncID is present in the change log
func (t *txStore) ChangeApplied(ctx context.Context, syncID string) (bool, error) {
	var exists int
	err := t.q.QueryRowContext(ctx,
		`SELECT 1 FROM change_log WHERE sync_id = ?`, syncID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check applied sync id: %w", err)
	}
	return true, nil
}

// GetEntry retrieves canonical entry inside transaction
func (t *txStore) GetEntry(ctx context.Context, collection, documentID string) (*models.CanonicalEntry, error) {
	return getEntry(ctx, t.q, collection, documentID, t.appliedWindow)
}

// SaveEntry upserts canonical entry
func (t *txStore) SaveEntry(ctx context.Context, entry *models.CanonicalEntry) error {
	query := `
		INSERT INTO canonical_entries (
			collection, document_id, payload, document_version,
			source_node_id, operation, created_by, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, document_id) DO UPDATE SET
			payload = excluded.payload,
			document_version = excluded.document_version,
			source_node_id = excluded.source_node_id,
			operation = excluded.operation,
			updated_at = excluded.updated_at
	`

	_, err := t.q.ExecContext(ctx, query,
		entry.Collection,
		entry.DocumentID,
		[]byte(entry.Payload),
		entry.DocumentVersion,
		entry.SourceNodeID,
		string(entry.Operation),
		entry.CreatedBy,
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

// AppendChange appends applied change and returns its sequence
func (t *txStore) AppendChange(ctx context.Context, change *models.ChangeRecord) (int64, error) {
	query := `
		INSERT INTO change_log (
			sync_id, collection, document_id, operation, payload,
			document_version, source_node_id, captured_at, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := t.q.ExecContext(ctx, query,
		change.SyncID,
		change.Collection,
		change.DocumentID,
		string(change.Operation),
		[]byte(change.Payload),
		change.DocumentVersion,
		change.SourceNodeID,
		change.CapturedAt.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append change: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, nil
}

// SaveIdentityKeys attaches identity keys to a document
func (t *txStore) SaveIdentityKeys(ctx context.Context, collection, documentID string, keys []string) error {
	query := `
		INSERT INTO identity_keys (collection, identity_key, document_id)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	for _, key := range keys {
		if _, err := t.q.ExecContext(ctx, query, collection, key, documentID); err != nil {
			return fmt.Errorf("failed to save identity key: %w", err)
		}
	}
	return nil
}

// FindIdentityMatches returns live entries created by another node sharing any key
func (t *txStore) FindIdentityMatches(ctx context.Context, collection, documentID, createdBy string, keys []string) ([]*models.CanonicalEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := `
		SELECT DISTINCT ce.collection, ce.document_id, ce.payload, ce.document_version,
		       ce.source_node_id, ce.operation, ce.created_by, ce.updated_at
		FROM identity_keys ik
		JOIN canonical_entries ce
		  ON ce.collection = ik.collection AND ce.document_id = ik.document_id
		WHERE ik.collection = ?
		  AND ik.document_id <> ?
		  AND ce.created_by <> ?
		  AND ce.operation <> ?
		  AND ik.identity_key IN (` + placeholders + `)
		ORDER BY ce.document_id
	`

	args := make([]any, 0, len(keys)+4)
	args = append(args, collection, documentID, createdBy, string(models.OperationDelete))
	for _, key := range keys {
		args = append(args, key)
	}

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity matches: %w", err)
	}
	defer rows.Close()

	var matches []*models.CanonicalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identity matches: %w", err)
	}
	return matches, nil
}

// rowScanner общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.CanonicalEntry, error) {
	entry := &models.CanonicalEntry{}
	var operation string
	var payload []byte

	err := row.Scan(
		&entry.Collection,
		&entry.DocumentID,
		&payload,
		&entry.DocumentVersion,
		&entry.SourceNodeID,
		&operation,
		&entry.CreatedBy,
		&entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry.Operation = models.Operation(operation)
	if len(payload) > 0 {
		entry.Payload = payload
	}
	return entry, nil
}

func getEntry(ctx context.Context, q querier, collection, documentID string, window int) (*models.CanonicalEntry, error) {
	query := `
		SELECT collection, document_id, payload, document_version,
		       source_node_id, operation, created_by, updated_at
		FROM canonical_entries
		WHERE collection = ? AND document_id = ?
	`

	entry, err := scanEntry(q.QueryRowContext(ctx, query, collection, documentID))
	if err != nil {
		return nil, err
	}

	ids, err := recentSyncIDs(ctx, q, collection, documentID, window)
	if err != nil {
		return nil, err
	}
	entry.AppliedSyncIDs = ids

	return entry, nil
}

// recentSyncIDs возвращает окно последних примененных syncId в порядке применения
func recentSyncIDs(ctx context.Context, q querier, collection, documentID string, window int) ([]string, error) {
	query := `
		SELECT sync_id FROM change_log
		WHERE collection = ? AND document_id = ?
		ORDER BY sequence DESC
		LIMIT ?
	`

	rows, err := q.QueryContext(ctx, query, collection, documentID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied sync ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sync id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync ids: %w", err)
	}

	slices.Reverse(ids)
	return ids, nil
}
