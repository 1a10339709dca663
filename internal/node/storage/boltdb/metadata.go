package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/clinicsync/internal/node/storage"
)

const (
	keySyncMetadata = "sync_metadata"
)

// updateMetadata читает метаданные, применяет fn и сохраняет обратно
func (s *Storage) updateMetadata(fn func(meta *storage.SyncMetadata)) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)

		meta, err := readMetadata(bucket)
		if err != nil {
			return err
		}
		fn(meta)

		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal sync metadata: %w", err)
		}
		if err := bucket.Put([]byte(keySyncMetadata), data); err != nil {
			return fmt.Errorf("failed to save sync metadata: %w", err)
		}
		return nil
	})
}

func readMetadata(bucket *bbolt.Bucket) (*storage.SyncMetadata, error) {
	meta := &storage.SyncMetadata{}
	data := bucket.Get([]byte(keySyncMetadata))
	if data == nil {
		// Синхронизации еще не было
		return meta, nil
	}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync metadata: %w", err)
	}
	return meta, nil
}

// RecordPush saves time of the last successful push
func (s *Storage) RecordPush(ctx context.Context, at time.Time) error {
	return s.updateMetadata(func(meta *storage.SyncMetadata) {
		meta.LastPushAt = &at
		meta.AuthAlert = ""
		meta.AuthAlertAt = nil
	})
}

// RecordPull saves time of the last successful pull
func (s *Storage) RecordPull(ctx context.Context, at time.Time) error {
	return s.updateMetadata(func(meta *storage.SyncMetadata) {
		meta.LastPullAt = &at
		meta.AuthAlert = ""
		meta.AuthAlertAt = nil
	})
}

// SetAuthAlert stores node health alert after an auth failure
func (s *Storage) SetAuthAlert(ctx context.Context, alert string, at time.Time) error {
	return s.updateMetadata(func(meta *storage.SyncMetadata) {
		meta.AuthAlert = alert
		meta.AuthAlertAt = &at
	})
}

// GetSyncMetadata returns stored metadata
func (s *Storage) GetSyncMetadata(ctx context.Context) (*storage.SyncMetadata, error) {
	var meta *storage.SyncMetadata

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		meta, err = readMetadata(tx.Bucket(bucketMetadata))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata: %w", err)
	}

	return meta, nil
}
