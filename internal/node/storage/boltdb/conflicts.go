package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
)

func decodeConflict(data []byte) (*models.ConflictRecord, error) {
	var conflict models.ConflictRecord
	if err := json.Unmarshal(data, &conflict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
	}
	return &conflict, nil
}

func putConflict(tx *bbolt.Tx, conflict *models.ConflictRecord) error {
	data, err := json.Marshal(conflict)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	if err := tx.Bucket(bucketConflicts).Put([]byte(conflict.ID), data); err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	return nil
}

// TrackConflict remembers conflict reported for an acknowledged record
func (s *Storage) TrackConflict(ctx context.Context, conflict *models.ConflictRecord) error {
	if conflict == nil || conflict.ID == "" {
		return fmt.Errorf("%w: conflict without id", storage.ErrConflictNotFound)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return putConflict(tx, conflict)
	})
}

// ListOpenConflicts returns tracked conflicts that are not resolved yet
func (s *Storage) ListOpenConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	var conflicts []*models.ConflictRecord

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			conflict, err := decodeConflict(v)
			if err != nil {
				return err
			}
			if conflict.Open() {
				conflicts = append(conflicts, conflict)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	return conflicts, nil
}

// SettleConflict applies conflict state reported by the aggregator.
// Разрешенный конфликт остается в архиве, а запись очереди, которую он держал, удаляется.
func (s *Storage) SettleConflict(ctx context.Context, conflict *models.ConflictRecord) error {
	return s.update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConflicts).Get([]byte(conflict.ID)) == nil {
			return storage.ErrConflictNotFound
		}
		if err := putConflict(tx, conflict); err != nil {
			return err
		}
		return settleConflicted(tx, conflict)
	})
}

// settleConflicted обновляет конфликт в записях очереди, которые он остановил.
// Записи разрешенного конфликта удаляются вместе с индексом.
func settleConflicted(tx *bbolt.Tx, conflict *models.ConflictRecord) error {
	queue := tx.Bucket(bucketQueue)
	index := tx.Bucket(bucketQueueIdx)

	held := make(map[string]*models.ChangeRecord)
	err := queue.ForEach(func(k, v []byte) error {
		rec, err := decodeChange(v)
		if err != nil {
			return err
		}
		if rec.DeliveryState == models.DeliveryConflicted && rec.Conflict != nil && rec.Conflict.ID == conflict.ID {
			held[string(k)] = rec
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key, rec := range held {
		if conflict.Open() {
			rec.Conflict = conflict
			if err := putChange(queue, []byte(key), rec); err != nil {
				return err
			}
			continue
		}
		if err := queue.Delete([]byte(key)); err != nil {
			return fmt.Errorf("failed to delete change: %w", err)
		}
		if err := index.Delete([]byte(rec.SyncID)); err != nil {
			return fmt.Errorf("failed to delete change index: %w", err)
		}
	}
	return nil
}
