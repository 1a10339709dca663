package boltdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/clinicsync/internal/node/storage"
)

var (
	// BoltDB bucket names
	bucketQueue     = []byte("queue")       // seq -> ChangeRecord
	bucketQueueIdx  = []byte("queue_index") // syncId -> seq
	bucketDocuments = []byte("documents")   // collection\x00documentId -> LocalDocument
	bucketCursors   = []byte("cursors")     // collection -> lastSequenceDelivered
	bucketMetadata  = []byte("metadata")
	bucketConflicts = []byte("conflicts") // conflictId -> ConflictRecord
)

var allBuckets = [][]byte{bucketQueue, bucketQueueIdx, bucketDocuments, bucketCursors, bucketMetadata, bucketConflicts}

// Storage represents BoltDB storage implementation for clinic node
type Storage struct {
	db *bbolt.DB
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Файл блокируется эксклюзивно, второй процесс узла ждет не дольше таймаута
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.Update(fn)
}

func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.View(fn)
}

// Ping checks that the database is open and readable
func (s *Storage) Ping(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMetadata) == nil {
			return errors.New("metadata bucket is missing")
		}
		return nil
	})
}
