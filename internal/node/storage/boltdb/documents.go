package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
)

// boltTx реализует storage.Tx поверх одной bbolt транзакции
type boltTx struct {
	tx *bbolt.Tx
}

// InTx runs fn inside one write transaction
func (s *Storage) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (t *boltTx) GetDocument(collection, documentID string) (*models.LocalDocument, error) {
	return getDocument(t.tx, collection, documentID)
}

func (t *boltTx) PutDocument(doc *models.LocalDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	key := []byte(documentKey(doc.Collection, doc.DocumentID))
	if err := t.tx.Bucket(bucketDocuments).Put(key, data); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (t *boltTx) Enqueue(change *models.ChangeRecord) error {
	return enqueue(t.tx, change)
}

func (t *boltTx) GetCursor(collection string) (int64, error) {
	return getCursor(t.tx, collection), nil
}

func (t *boltTx) SetCursor(collection string, sequence int64) error {
	if sequence <= getCursor(t.tx, collection) {
		return nil
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(sequence))
	if err := t.tx.Bucket(bucketCursors).Put([]byte(collection), b); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func getDocument(tx *bbolt.Tx, collection, documentID string) (*models.LocalDocument, error) {
	data := tx.Bucket(bucketDocuments).Get([]byte(documentKey(collection, documentID)))
	if data == nil {
		return nil, storage.ErrDocumentNotFound
	}

	doc := &models.LocalDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}

func getCursor(tx *bbolt.Tx, collection string) int64 {
	data := tx.Bucket(bucketCursors).Get([]byte(collection))
	if data == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// GetDocument retrieves local document
func (s *Storage) GetDocument(ctx context.Context, collection, documentID string) (*models.LocalDocument, error) {
	var doc *models.LocalDocument

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		doc, err = getDocument(tx, collection, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// ListCursors returns last delivered sequence per collection
func (s *Storage) ListCursors(ctx context.Context) (map[string]int64, error) {
	cursors := make(map[string]int64)

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).ForEach(func(k, v []byte) error {
			cursors[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}

	return cursors, nil
}
