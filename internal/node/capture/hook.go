// Package capture фиксирует закоммиченные доменные записи узла как ChangeRecord.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/clinicsync/internal/clock"
	"github.com/iudanet/clinicsync/internal/identity"
	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/internal/validation"
)

// Hook точка входа доменного слоя в движок репликации.
// Запись документа и постановка ChangeRecord в очередь выполняются одной транзакцией.
type Hook struct {
	store           storage.DocumentStorage
	logger          *slog.Logger
	onCapture       func()
	now             func() time.Time
	newSyncID       func() string
	nodeID          string
	maxPayloadBytes int
}

// Option настраивает Hook
type Option func(*Hook)

// WithMaxPayloadBytes ограничивает размер payload так же, как агрегатор
func WithMaxPayloadBytes(n int) Option {
	return func(h *Hook) { h.maxPayloadBytes = n }
}

// WithOnCapture вызывает fn после каждой успешной записи (например, чтобы разбудить push)
func WithOnCapture(fn func()) Option {
	return func(h *Hook) { h.onCapture = fn }
}

// NewHook создает новый Hook
func NewHook(store storage.DocumentStorage, nodeID string, logger *slog.Logger, opts ...Option) *Hook {
	h := &Hook{
		store:     store,
		nodeID:    nodeID,
		logger:    logger,
		now:       time.Now,
		newSyncID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Capture сохраняет документ в локальной реплике и ставит изменение в очередь.
// Версия документа = локальная версия + 1; если постановка в очередь не удалась,
// запись документа откатывается.
func (h *Hook) Capture(ctx context.Context, write models.DocumentWrite) (*models.ChangeRecord, error) {
	keys, err := identity.Keys(write.IdentityHint)
	if err != nil {
		return nil, fmt.Errorf("%w: identity: %v", validation.ErrInvalidChange, err)
	}

	now := h.now().UTC()
	change := &models.ChangeRecord{
		SyncID:       h.newSyncID(),
		SourceNodeID: h.nodeID,
		Collection:   write.Collection,
		DocumentID:   write.DocumentID,
		Operation:    write.Operation,
		Payload:      write.Payload,
		IdentityKeys: keys,
		CapturedAt:   now,
	}

	err = h.store.InTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetDocument(write.Collection, write.DocumentID)
		switch {
		case errors.Is(err, storage.ErrDocumentNotFound):
			if write.Operation == models.OperationDelete {
				return fmt.Errorf("cannot delete %s/%s: %w", write.Collection, write.DocumentID, err)
			}
		case err != nil:
			return fmt.Errorf("failed to load document: %w", err)
		}

		var version int64
		if current != nil {
			version = current.Version
		}
		docClock := clock.Restore(version)
		change.DocumentVersion = docClock.Tick()

		if err := validation.ValidateChange(change, h.maxPayloadBytes); err != nil {
			return err
		}

		doc := &models.LocalDocument{
			Collection:   change.Collection,
			DocumentID:   change.DocumentID,
			SourceNodeID: h.nodeID,
			Payload:      change.Payload,
			Version:      change.DocumentVersion,
			Deleted:      change.Operation == models.OperationDelete,
			UpdatedAt:    now,
		}
		if err := tx.PutDocument(doc); err != nil {
			return err
		}
		return tx.Enqueue(change)
	})
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}

	h.logger.Debug("Change captured",
		"sync_id", change.SyncID,
		"collection", change.Collection,
		"document_id", change.DocumentID,
		"version", change.DocumentVersion)

	if h.onCapture != nil {
		h.onCapture()
	}

	change.DeliveryState = models.DeliveryPending
	return change, nil
}
