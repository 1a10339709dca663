package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/conflict"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/internal/validation"
)

const (
	// DefaultPullPageSize размер страницы pull по умолчанию
	DefaultPullPageSize = 500
	// MaxPullPageSize верхняя граница limit в запросе pull
	MaxPullPageSize = 2000
	// DefaultMaxPayloadBytes ограничение размера payload одной записи
	DefaultMaxPayloadBytes = 1 << 20
)

var (
	// ErrCollectionNotSynced коллекция не входит в syncedCollections узла
	ErrCollectionNotSynced = errors.New("collection is not synced for this node")
	// ErrSyncDisabled синхронизация узла выключена оператором
	ErrSyncDisabled = errors.New("sync is disabled for this node")
)

// NodeTracker обновляет отметки последнего контакта узла
type NodeTracker interface {
	UpdateLastSeen(ctx context.Context, nodeID string, kind models.ContactKind) error
}

// Notifier получает уведомление о продвижении журнала коллекции
type Notifier interface {
	Publish(collection string, sequence int64)
}

// Config параметры ingestion и pull
type Config struct {
	MaxPayloadBytes int
	PullPageSize    int
}

// Service реализует путь ingestion и выдачу дельт для pull
type Service struct {
	store    storage.CanonicalStorage
	cursors  storage.CursorStorage
	nodes    NodeTracker
	detector *conflict.Detector
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService создает новый экземпляр Service
func NewService(
	store storage.CanonicalStorage,
	cursors storage.CursorStorage,
	nodes NodeTracker,
	detector *conflict.Detector,
	notifier Notifier,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = DefaultPullPageSize
	}
	return &Service{
		store:    store,
		cursors:  cursors,
		nodes:    nodes,
		detector: detector,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Push обрабатывает батч изменений узла. Каждая запись обрабатывается в своей
// транзакции, исход одной записи не влияет на соседние.
// Ошибка возвращается только при сбое хранилища, тогда весь батч считается
// неподтвержденным и будет повторен узлом.
func (s *Service) Push(ctx context.Context, node *models.NodeRegistration, changes []*models.ChangeRecord) ([]*models.Outcome, error) {
	if !node.SyncEnabled {
		return nil, ErrSyncDisabled
	}

	outcomes := make([]*models.Outcome, 0, len(changes))
	advanced := make(map[string]int64)

	for _, change := range changes {
		change.SourceNodeID = node.NodeID

		outcome, err := s.ingest(ctx, node, change)
		if err != nil {
			return nil, fmt.Errorf("failed to ingest %s: %w", change.SyncID, err)
		}

		if outcome.Result == models.ResultAccepted && outcome.Sequence > advanced[change.Collection] {
			advanced[change.Collection] = outcome.Sequence
		}
		outcomes = append(outcomes, outcome)
	}

	if err := s.nodes.UpdateLastSeen(ctx, node.NodeID, models.ContactPush); err != nil {
		s.logger.Error("Failed to update last push", "node_id", node.NodeID, "error", err)
	}

	for collection, seq := range advanced {
		s.notifier.Publish(collection, seq)
	}

	return outcomes, nil
}

// ingest применяет одну запись атомарно относительно (collection, documentId)
func (s *Service) ingest(ctx context.Context, node *models.NodeRegistration, change *models.ChangeRecord) (*models.Outcome, error) {
	outcome := &models.Outcome{SyncID: change.SyncID}

	if err := validation.ValidateChange(change, s.cfg.MaxPayloadBytes); err != nil {
		outcome.Result = models.ResultRejected
		outcome.Reason = err.Error()
		s.logger.Warn("Change rejected", "node_id", node.NodeID, "sync_id", change.SyncID, "reason", outcome.Reason)
		return outcome, nil
	}
	if !node.Syncs(change.Collection) {
		outcome.Result = models.ResultRejected
		outcome.Reason = ErrCollectionNotSynced.Error()
		s.logger.Warn("Change rejected", "node_id", node.NodeID, "sync_id", change.SyncID, "collection", change.Collection, "reason", outcome.Reason)
		return outcome, nil
	}

	err := s.store.InTx(ctx, func(tx storage.CanonicalTx) error {
		applied, err := tx.ChangeApplied(ctx, change.SyncID)
		if err != nil {
			return err
		}
		if applied {
			outcome.Result = models.ResultDuplicate
			return nil
		}

		// syncId, уже приведший к конфликту, не создает новую запись
		existing, err := tx.GetConflictBySyncID(ctx, change.SyncID)
		if err != nil && !errors.Is(err, storage.ErrConflictNotFound) {
			return err
		}
		if existing != nil {
			outcome.Result = models.ResultConflicted
			outcome.Conflict = existing
			return nil
		}

		stored, err := tx.GetEntry(ctx, change.Collection, change.DocumentID)
		if err != nil && !errors.Is(err, storage.ErrEntryNotFound) {
			return err
		}

		switch stored.Decide(change) {
		case models.DecisionDuplicate:
			outcome.Result = models.ResultDuplicate
			return nil
		case models.DecisionConflict:
			c, err := s.detector.VersionConflict(ctx, tx, stored, change)
			if err != nil {
				return err
			}
			outcome.Result = models.ResultConflicted
			outcome.Conflict = c
			return nil
		}

		entry := &models.CanonicalEntry{
			Collection:      change.Collection,
			DocumentID:      change.DocumentID,
			SourceNodeID:    change.SourceNodeID,
			CreatedBy:       change.SourceNodeID,
			Operation:       change.Operation,
			Payload:         change.Payload,
			DocumentVersion: change.DocumentVersion,
			UpdatedAt:       s.now(),
		}
		if stored != nil {
			entry.CreatedBy = stored.CreatedBy
		}

		if err := tx.SaveEntry(ctx, entry); err != nil {
			return err
		}
		seq, err := tx.AppendChange(ctx, change)
		if err != nil {
			return err
		}

		if len(change.IdentityKeys) > 0 && change.Operation != models.OperationDelete && s.detector.IdentityBearing(change.Collection) {
			if err := tx.SaveIdentityKeys(ctx, change.Collection, change.DocumentID, change.IdentityKeys); err != nil {
				return err
			}
		}

		identityConflicts, err := s.detector.IdentityConflicts(ctx, tx, entry, change.IdentityKeys)
		if err != nil {
			return err
		}

		outcome.Result = models.ResultAccepted
		outcome.Sequence = seq
		if len(identityConflicts) > 0 {
			outcome.Conflict = identityConflicts[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Change processed",
		"node_id", node.NodeID,
		"sync_id", change.SyncID,
		"collection", change.Collection,
		"document_id", change.DocumentID,
		"version", change.DocumentVersion,
		"result", outcome.Result,
	)

	return outcome, nil
}

// PullPage результат запроса pull
type PullPage struct {
	Deltas     []*models.Delta
	NextCursor int64
}

// Pull возвращает дельты коллекции после since в порядке sequence.
// Дельты, созданные самим узлом, тоже включаются: узел пропускает их сам.
func (s *Service) Pull(ctx context.Context, node *models.NodeRegistration, collection string, since int64, limit int) (*PullPage, error) {
	if !node.SyncEnabled {
		return nil, ErrSyncDisabled
	}
	if err := validation.ValidateCollection(collection); err != nil {
		return nil, fmt.Errorf("%w: %v", validation.ErrInvalidChange, err)
	}
	if !node.Syncs(collection) {
		return nil, ErrCollectionNotSynced
	}
	if since < 0 {
		since = 0
	}
	if limit <= 0 {
		limit = s.cfg.PullPageSize
	}
	if limit > MaxPullPageSize {
		limit = MaxPullPageSize
	}

	deltas, err := s.store.GetChangesSince(ctx, collection, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get changes: %w", err)
	}

	page := &PullPage{Deltas: deltas, NextCursor: since}
	if len(deltas) > 0 {
		page.NextCursor = deltas[len(deltas)-1].Sequence
	}

	// since подтверждает, что узел применил все до этой позиции
	if err := s.cursors.AdvanceCursor(ctx, node.NodeID, collection, since, s.now()); err != nil {
		s.logger.Error("Failed to advance cursor", "node_id", node.NodeID, "collection", collection, "error", err)
	}
	if err := s.nodes.UpdateLastSeen(ctx, node.NodeID, models.ContactPull); err != nil {
		s.logger.Error("Failed to update last pull", "node_id", node.NodeID, "error", err)
	}

	return page, nil
}
