package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
)

// itob кодирует порядковый номер записи, big-endian сохраняет порядок ключей
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func documentKey(collection, documentID string) string {
	return collection + "\x00" + documentID
}

func decodeChange(data []byte) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return &rec, nil
}

func putChange(bucket *bbolt.Bucket, key []byte, rec *models.ChangeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("failed to save change: %w", err)
	}
	return nil
}

// enqueue добавляет запись в конец очереди
func enqueue(tx *bbolt.Tx, change *models.ChangeRecord) error {
	queue := tx.Bucket(bucketQueue)
	index := tx.Bucket(bucketQueueIdx)

	if index.Get([]byte(change.SyncID)) != nil {
		return storage.ErrDuplicateSyncID
	}

	seq, err := queue.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}
	key := itob(seq)

	rec := change.Clone()
	rec.DeliveryState = models.DeliveryPending
	if err := putChange(queue, key, rec); err != nil {
		return err
	}
	if err := index.Put([]byte(change.SyncID), key); err != nil {
		return fmt.Errorf("failed to index change: %w", err)
	}
	return nil
}

// lookup находит запись по syncId и возвращает ее ключ в очереди
func lookup(tx *bbolt.Tx, syncID string) ([]byte, *models.ChangeRecord, error) {
	key := tx.Bucket(bucketQueueIdx).Get([]byte(syncID))
	if key == nil {
		return nil, nil, storage.ErrChangeNotFound
	}
	data := tx.Bucket(bucketQueue).Get(key)
	if data == nil {
		return nil, nil, storage.ErrChangeNotFound
	}
	rec, err := decodeChange(data)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), key...), rec, nil
}

// transition применяет fn к записи, если она находится в одном из состояний from
func (s *Storage) transition(syncID string, from []models.DeliveryState, fn func(rec *models.ChangeRecord)) error {
	return s.update(func(tx *bbolt.Tx) error {
		key, rec, err := lookup(tx, syncID)
		if err != nil {
			return err
		}
		if !stateIn(rec.DeliveryState, from) {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, syncID, rec.DeliveryState)
		}
		fn(rec)
		return putChange(tx.Bucket(bucketQueue), key, rec)
	})
}

func stateIn(state models.DeliveryState, states []models.DeliveryState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// DequeueBatch marks up to max eligible pending records in-flight
func (s *Storage) DequeueBatch(ctx context.Context, max int, now time.Time) ([]*models.ChangeRecord, error) {
	if max <= 0 {
		return nil, nil
	}

	var batch []*models.ChangeRecord

	err := s.update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)

		type selected struct {
			key []byte
			rec *models.ChangeRecord
		}
		var picked []selected
		// Документы, у которых более ранняя запись еще в пути или ждет backoff
		blocked := make(map[string]bool)

		c := queue.Cursor()
		for k, v := c.First(); k != nil && len(picked) < max; k, v = c.Next() {
			rec, err := decodeChange(v)
			if err != nil {
				return err
			}
			doc := documentKey(rec.Collection, rec.DocumentID)

			switch {
			case rec.DeliveryState == models.DeliveryInFlight:
				blocked[doc] = true
			case rec.DeliveryState != models.DeliveryPending:
				// failed и conflicted не задерживают следующие версии документа
			case !rec.Eligible(now) || blocked[doc]:
				blocked[doc] = true
			default:
				picked = append(picked, selected{key: append([]byte(nil), k...), rec: rec})
			}
		}

		for _, p := range picked {
			p.rec.DeliveryState = models.DeliveryInFlight
			p.rec.LastAttemptAt = now
			if err := putChange(queue, p.key, p.rec); err != nil {
				return err
			}
			batch = append(batch, p.rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue transaction failed: %w", err)
	}

	return batch, nil
}

// MarkAcknowledged removes in-flight record from the queue
func (s *Storage) MarkAcknowledged(ctx context.Context, syncID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		key, rec, err := lookup(tx, syncID)
		if err != nil {
			return err
		}
		if rec.DeliveryState != models.DeliveryInFlight {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, syncID, rec.DeliveryState)
		}
		if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
			return fmt.Errorf("failed to delete change: %w", err)
		}
		return tx.Bucket(bucketQueueIdx).Delete([]byte(syncID))
	})
}

// MarkFailed returns in-flight record to pending with backoff
func (s *Storage) MarkFailed(ctx context.Context, syncID, cause string, nextAttemptAt time.Time) error {
	return s.transition(syncID, []models.DeliveryState{models.DeliveryInFlight}, func(rec *models.ChangeRecord) {
		rec.DeliveryState = models.DeliveryPending
		rec.Attempts++
		rec.LastError = cause
		rec.NextAttemptAt = nextAttemptAt
	})
}

// MarkConflicted moves in-flight record to terminal conflicted state
func (s *Storage) MarkConflicted(ctx context.Context, syncID string, conflict *models.ConflictRecord) error {
	return s.update(func(tx *bbolt.Tx) error {
		key, rec, err := lookup(tx, syncID)
		if err != nil {
			return err
		}
		if rec.DeliveryState != models.DeliveryInFlight {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidTransition, syncID, rec.DeliveryState)
		}

		rec.DeliveryState = models.DeliveryConflicted
		rec.Conflict = conflict
		if conflict != nil {
			rec.LastError = string(conflict.Type) + " conflict " + conflict.ID
			if conflict.ID != "" {
				if err := putConflict(tx, conflict); err != nil {
					return err
				}
			}
		}
		return putChange(tx.Bucket(bucketQueue), key, rec)
	})
}

// MarkDeadLetter moves record to terminal failed state
func (s *Storage) MarkDeadLetter(ctx context.Context, syncID, cause string) error {
	from := []models.DeliveryState{models.DeliveryInFlight, models.DeliveryPending}
	return s.transition(syncID, from, func(rec *models.ChangeRecord) {
		rec.DeliveryState = models.DeliveryFailed
		rec.LastError = cause
		rec.NextAttemptAt = time.Time{}
	})
}

// ReleaseInFlight returns in-flight records to pending without counting an attempt.
// Records that are missing or not in flight are skipped.
func (s *Storage) ReleaseInFlight(ctx context.Context, syncIDs []string) error {
	return s.update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		for _, syncID := range syncIDs {
			key, rec, err := lookup(tx, syncID)
			if errors.Is(err, storage.ErrChangeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.DeliveryState != models.DeliveryInFlight {
				continue
			}
			rec.DeliveryState = models.DeliveryPending
			if err := putChange(queue, key, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecoverInFlight returns all in-flight records to pending.
// После падения исход отправки неизвестен, повтор безопасен благодаря syncId.
func (s *Storage) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0

	err := s.update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketQueue)

		var keys [][]byte
		var recs []*models.ChangeRecord
		err := queue.ForEach(func(k, v []byte) error {
			rec, err := decodeChange(v)
			if err != nil {
				return err
			}
			if rec.DeliveryState == models.DeliveryInFlight {
				keys = append(keys, append([]byte(nil), k...))
				recs = append(recs, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for i, rec := range recs {
			rec.DeliveryState = models.DeliveryPending
			if err := putChange(queue, keys[i], rec); err != nil {
				return err
			}
		}
		recovered = len(recs)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover transaction failed: %w", err)
	}

	return recovered, nil
}

// RetryDeadLetter returns failed record to pending with attempts reset
func (s *Storage) RetryDeadLetter(ctx context.Context, syncID string) error {
	return s.transition(syncID, []models.DeliveryState{models.DeliveryFailed}, func(rec *models.ChangeRecord) {
		rec.DeliveryState = models.DeliveryPending
		rec.Attempts = 0
		rec.NextAttemptAt = time.Time{}
	})
}

// GetChange retrieves queued record by sync id
func (s *Storage) GetChange(ctx context.Context, syncID string) (*models.ChangeRecord, error) {
	var rec *models.ChangeRecord

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		_, rec, err = lookup(tx, syncID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ListByState returns records in the given state in queue order
func (s *Storage) ListByState(ctx context.Context, state models.DeliveryState) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			rec, err := decodeChange(v)
			if err != nil {
				return err
			}
			if rec.DeliveryState == state {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	return records, nil
}

// Stats returns queue counters
func (s *Storage) Stats(ctx context.Context) (*storage.QueueStats, error) {
	stats := &storage.QueueStats{}

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			rec, err := decodeChange(v)
			if err != nil {
				return err
			}

			switch rec.DeliveryState {
			case models.DeliveryPending:
				stats.Pending++
			case models.DeliveryInFlight:
				stats.InFlight++
			case models.DeliveryFailed:
				stats.Failed++
				return nil
			case models.DeliveryConflicted:
				stats.Conflicted++
				// Конфликт без id нельзя сверить с агрегатором, он открыт до вмешательства оператора
				if rec.Conflict == nil || rec.Conflict.ID == "" {
					stats.OpenConflicts++
				}
				return nil
			}

			if stats.OldestPendingAt.IsZero() || rec.CapturedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.CapturedAt
			}
			return nil
		})
	})
	if err == nil {
		err = s.view(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
				conflict, err := decodeConflict(v)
				if err != nil {
					return err
				}
				if conflict.Open() {
					stats.OpenConflicts++
				}
				return nil
			})
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	return stats, nil
}
