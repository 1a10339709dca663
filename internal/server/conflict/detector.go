// Package conflict обнаруживает конфликты версий и пересечения личности между узлами.
// Детектор только создает ConflictRecord и никогда не сливает данные.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
)

// DefaultIdentityCollections коллекции, несущие личность пациента
var DefaultIdentityCollections = []string{"patients"}

// Detector создает ConflictRecord внутри транзакции ingestion
type Detector struct {
	logger              *slog.Logger
	identityCollections map[string]struct{}
	now                 func() time.Time
}

// NewDetector создает детектор для заданных identity-bearing коллекций
func NewDetector(logger *slog.Logger, identityCollections []string) *Detector {
	set := make(map[string]struct{}, len(identityCollections))
	for _, c := range identityCollections {
		set[c] = struct{}{}
	}
	return &Detector{
		logger:              logger,
		identityCollections: set,
		now:                 time.Now,
	}
}

// IdentityBearing возвращает true, если коллекция проверяется на cross-node-identity
func (d *Detector) IdentityBearing(collection string) bool {
	_, ok := d.identityCollections[collection]
	return ok
}

// VersionConflict фиксирует входящую запись, версия которой не доминирует над хранимой.
// Повторная доставка того же syncId возвращает уже созданный конфликт.
func (d *Detector) VersionConflict(ctx context.Context, tx storage.CanonicalTx, stored *models.CanonicalEntry, change *models.ChangeRecord) (*models.ConflictRecord, error) {
	conflict := &models.ConflictRecord{
		ID:                uuid.NewString(),
		Type:              models.ConflictConcurrentVersion,
		Collection:        change.Collection,
		DocumentID:        change.DocumentID,
		SyncID:            change.SyncID,
		Status:            models.ConflictOpen,
		DetectedAt:        d.now(),
		CompetingVersions: []models.VersionSnapshot{stored.Snapshot(), change.Snapshot()},
	}

	created, err := tx.CreateConflict(ctx, conflict)
	if err != nil {
		return nil, fmt.Errorf("failed to create version conflict: %w", err)
	}
	if !created {
		return tx.GetConflictBySyncID(ctx, change.SyncID)
	}

	d.logger.Warn("Version conflict detected",
		"conflict_id", conflict.ID,
		"collection", change.Collection,
		"document_id", change.DocumentID,
		"stored_version", stored.DocumentVersion,
		"stored_node", stored.SourceNodeID,
		"incoming_version", change.DocumentVersion,
		"incoming_node", change.SourceNodeID,
	)

	return conflict, nil
}

// IdentityConflicts проверяет только что примененный create на совпадение ключей личности
// с документами, созданными другими узлами. Обе записи остаются живыми.
// Возвращает только вновь созданные конфликты.
func (d *Detector) IdentityConflicts(ctx context.Context, tx storage.CanonicalTx, applied *models.CanonicalEntry, keys []string) ([]*models.ConflictRecord, error) {
	if applied.Operation != models.OperationCreate || len(keys) == 0 || !d.IdentityBearing(applied.Collection) {
		return nil, nil
	}

	matches, err := tx.FindIdentityMatches(ctx, applied.Collection, applied.DocumentID, applied.CreatedBy, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity matches: %w", err)
	}

	var conflicts []*models.ConflictRecord
	for _, match := range matches {
		first, second := applied, match
		// пара хранится упорядоченной, чтобы уникальный индекс не зависел от порядка прихода
		if second.DocumentID < first.DocumentID {
			first, second = second, first
		}

		conflict := &models.ConflictRecord{
			ID:                uuid.NewString(),
			Type:              models.ConflictCrossNodeIdentity,
			Collection:        applied.Collection,
			DocumentID:        first.DocumentID,
			OtherDocumentID:   second.DocumentID,
			Status:            models.ConflictOpen,
			DetectedAt:        d.now(),
			CompetingVersions: []models.VersionSnapshot{first.Snapshot(), second.Snapshot()},
		}

		created, err := tx.CreateConflict(ctx, conflict)
		if err != nil {
			return nil, fmt.Errorf("failed to create identity conflict: %w", err)
		}
		if !created {
			continue
		}

		d.logger.Warn("Cross-node identity conflict detected",
			"conflict_id", conflict.ID,
			"collection", conflict.Collection,
			"document_id", conflict.DocumentID,
			"other_document_id", conflict.OtherDocumentID,
		)
		conflicts = append(conflicts, conflict)
	}

	return conflicts, nil
}
