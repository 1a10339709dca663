package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// Значения по умолчанию Push Engine
const (
	DefaultBatchSize        = 100
	DefaultMaxBatchesPerRun = 10
	DefaultMaxAttempts      = 10
	DefaultMaxBatchBytes    = 8 << 20
)

// batchEnvelope оценка размера {"changes":[]} вокруг записей
const batchEnvelope = 16

// PushConfig параметры Push Engine
type PushConfig struct {
	Backoff          Backoff
	BatchSize        int
	MaxBatchesPerRun int
	MaxAttempts      int // после MaxAttempts неудачных попыток запись уходит в dead letter
	MaxBatchBytes    int // ограничение тела push до сжатия
}

// PushResult итог одного запуска push
type PushResult struct {
	Sent         int // отправлено записей
	Acknowledged int // accepted + duplicate
	Conflicted   int
	Rejected     int
	Retrying     int // вернулись в pending с backoff
	DeadLettered int // исчерпали попытки
	Batches      int
	Splits       int // батчи, разделенные после 413/400 от агрегатора
}

// PushEngine вычитывает очередь батчами и сверяет outcomes агрегатора с очередью
type PushEngine struct {
	client Aggregator
	queue  storage.ChangeQueue
	meta   storage.MetadataStorage
	logger *slog.Logger
	now    func() time.Time
	cfg    PushConfig
}

// NewPushEngine создает новый PushEngine
func NewPushEngine(client Aggregator, queue storage.ChangeQueue, meta storage.MetadataStorage, cfg PushConfig, logger *slog.Logger) *PushEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = DefaultMaxBatchesPerRun
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if cfg.BatchSize > api.MaxPushBatch {
		cfg.BatchSize = api.MaxPushBatch
	}
	return &PushEngine{
		client: client,
		queue:  queue,
		meta:   meta,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run отправляет до MaxBatchesPerRun батчей.
// Ошибка транспорта или аутентификации прекращает запуск: остальные записи ждут следующего тика.
func (e *PushEngine) Run(ctx context.Context) (*PushResult, error) {
	result := &PushResult{}
	contacted := false

	for result.Batches < e.cfg.MaxBatchesPerRun {
		batch, err := e.queue.DequeueBatch(ctx, e.cfg.BatchSize, e.now())
		if err != nil {
			return result, fmt.Errorf("failed to dequeue batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		dequeued := len(batch)
		batch = e.limitBytes(ctx, batch)

		result.Batches++
		result.Sent += len(batch)
		if err := e.pushBatch(ctx, batch, result); err != nil {
			return result, err
		}
		contacted = true

		// Урезанный по размеру батч не означает, что очередь исчерпана
		if dequeued < e.cfg.BatchSize && len(batch) == dequeued {
			break
		}
	}

	if contacted {
		if err := e.meta.RecordPush(ctx, e.now().UTC()); err != nil {
			e.logger.Warn("Failed to record push time", "error", err)
		}
		e.logger.Info("Push completed",
			"batches", result.Batches,
			"sent", result.Sent,
			"acknowledged", result.Acknowledged,
			"conflicted", result.Conflicted,
			"rejected", result.Rejected,
			"retrying", result.Retrying,
			"dead_lettered", result.DeadLettered,
			"splits", result.Splits)
	}

	return result, nil
}

// limitBytes оставляет в батче префикс, который укладывается в MaxBatchBytes.
// Остаток возвращается в очередь без учета попытки, первая запись отправляется всегда.
func (e *PushEngine) limitBytes(ctx context.Context, batch []*models.ChangeRecord) []*models.ChangeRecord {
	size := batchEnvelope
	for i, rec := range batch {
		data, err := json.Marshal(api.ChangeFromRecord(rec))
		if err != nil {
			continue
		}
		size += len(data) + 1
		if i > 0 && size > e.cfg.MaxBatchBytes {
			e.logger.Debug("Batch trimmed by size", "changes", i, "released", len(batch)-i)
			e.release(ctx, batch[i:])
			return batch[:i]
		}
	}
	return batch
}

func (e *PushEngine) pushBatch(ctx context.Context, batch []*models.ChangeRecord, result *PushResult) error {
	changes := make([]api.Change, 0, len(batch))
	for _, rec := range batch {
		changes = append(changes, api.ChangeFromRecord(rec))
	}

	resp, err := e.client.Push(ctx, changes)
	if err != nil {
		// Остановка узла: батч возвращается в очередь без учета попытки
		if ctx.Err() != nil {
			e.release(context.WithoutCancel(ctx), batch)
			return ctx.Err()
		}
		if isAuthFailure(err) {
			return e.handleAuthFailure(ctx, batch, err)
		}
		if isRequestRefused(err) {
			return e.handleRefusedRequest(ctx, batch, err, result)
		}
		e.logger.Warn("Push failed, batch returned to queue", "changes", len(batch), "error", err)
		for _, rec := range batch {
			if err := e.retryLater(ctx, rec, err.Error(), result); err != nil {
				return err
			}
		}
		return fmt.Errorf("push failed: %w", err)
	}

	outcomes := make(map[string]api.Outcome, len(resp.Outcomes))
	for _, o := range resp.Outcomes {
		outcomes[o.SyncID] = o
	}

	// Каждая запись обрабатывается независимо от соседей по батчу
	for i, rec := range batch {
		var err error
		if outcome, ok := outcomes[rec.SyncID]; ok {
			err = e.reconcile(ctx, rec, outcome, result)
		} else {
			err = e.retryLater(ctx, rec, "no outcome in push response", result)
		}
		if err != nil {
			// Необработанный остаток не должен блокировать свои документы до рестарта
			e.release(context.WithoutCancel(ctx), batch[i:])
			return err
		}
	}
	return nil
}

// handleRefusedRequest обрабатывает отказ агрегатора принять запрос целиком (413/400).
// Это свойство батча, а не записей: батч делится пополам без учета попытки.
// Одиночная запись, которая не помещается в лимит тела, уходит в dead letter сразу.
func (e *PushEngine) handleRefusedRequest(ctx context.Context, batch []*models.ChangeRecord, cause error, result *PushResult) error {
	if len(batch) == 1 {
		rec := batch[0]
		if requestStatus(cause) == http.StatusRequestEntityTooLarge {
			if err := e.queue.MarkDeadLetter(ctx, rec.SyncID, "change exceeds aggregator request limit: "+cause.Error()); err != nil {
				return fmt.Errorf("failed to dead-letter %s: %w", rec.SyncID, err)
			}
			result.DeadLettered++
			e.logger.Error("Change does not fit into a push request",
				"sync_id", rec.SyncID,
				"collection", rec.Collection,
				"document_id", rec.DocumentID,
				"error", cause)
			return nil
		}
		if err := e.retryLater(ctx, rec, cause.Error(), result); err != nil {
			return err
		}
		return fmt.Errorf("push failed: %w", cause)
	}

	result.Splits++
	mid := len(batch) / 2
	e.logger.Warn("Push request refused by aggregator, splitting batch",
		"changes", len(batch),
		"halves", []int{mid, len(batch) - mid},
		"error", cause)

	if err := e.pushBatch(ctx, batch[:mid], result); err != nil {
		e.release(context.WithoutCancel(ctx), batch[mid:])
		return err
	}
	return e.pushBatch(ctx, batch[mid:], result)
}

func (e *PushEngine) reconcile(ctx context.Context, rec *models.ChangeRecord, outcome api.Outcome, result *PushResult) error {
	switch outcome.Result {
	case api.ResultAccepted, api.ResultDuplicate:
		if err := e.queue.MarkAcknowledged(ctx, rec.SyncID); err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", rec.SyncID, err)
		}
		result.Acknowledged++
		if outcome.Conflict != nil {
			// cross-node-identity не блокирует запись, но требует внимания оператора
			e.logger.Warn("Change accepted with identity conflict",
				"sync_id", rec.SyncID,
				"collection", rec.Collection,
				"document_id", rec.DocumentID,
				"conflict_id", outcome.Conflict.ID,
				"conflict_type", outcome.Conflict.ConflictType,
				"other_document_id", outcome.Conflict.OtherDocumentID)
			if err := e.queue.TrackConflict(ctx, outcome.Conflict.Record()); err != nil {
				e.logger.Error("Failed to track identity conflict", "conflict_id", outcome.Conflict.ID, "error", err)
			}
		}

	case api.ResultConflicted:
		var conflict *models.ConflictRecord
		if outcome.Conflict != nil {
			conflict = outcome.Conflict.Record()
		} else {
			conflict = &models.ConflictRecord{
				Type:       models.ConflictConcurrentVersion,
				Collection: rec.Collection,
				DocumentID: rec.DocumentID,
				SyncID:     rec.SyncID,
				Status:     models.ConflictOpen,
				DetectedAt: e.now().UTC(),
			}
		}
		if err := e.queue.MarkConflicted(ctx, rec.SyncID, conflict); err != nil {
			return fmt.Errorf("failed to mark %s conflicted: %w", rec.SyncID, err)
		}
		result.Conflicted++
		e.logger.Warn("Change conflicted, operator review required",
			"sync_id", rec.SyncID,
			"collection", rec.Collection,
			"document_id", rec.DocumentID,
			"document_version", rec.DocumentVersion,
			"conflict_id", conflict.ID,
			"conflict_type", conflict.Type)

	case api.ResultRejected:
		cause := "rejected by aggregator"
		if outcome.Reason != "" {
			cause += ": " + outcome.Reason
		}
		if err := e.queue.MarkDeadLetter(ctx, rec.SyncID, cause); err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", rec.SyncID, err)
		}
		result.Rejected++
		e.logger.Error("Change rejected by aggregator",
			"sync_id", rec.SyncID,
			"collection", rec.Collection,
			"document_id", rec.DocumentID,
			"reason", outcome.Reason)

	default:
		return e.retryLater(ctx, rec, fmt.Sprintf("unknown outcome %q", outcome.Result), result)
	}
	return nil
}

// retryLater возвращает запись в pending с backoff или отправляет в dead letter после MaxAttempts
func (e *PushEngine) retryLater(ctx context.Context, rec *models.ChangeRecord, cause string, result *PushResult) error {
	attempts := rec.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		deadCause := fmt.Sprintf("gave up after %d attempts: %s", attempts, cause)
		if err := e.queue.MarkDeadLetter(ctx, rec.SyncID, deadCause); err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", rec.SyncID, err)
		}
		result.DeadLettered++
		e.logger.Error("Change moved to dead letter",
			"sync_id", rec.SyncID,
			"collection", rec.Collection,
			"document_id", rec.DocumentID,
			"attempts", attempts,
			"error", cause)
		return nil
	}

	next := e.now().Add(e.cfg.Backoff.Delay(attempts))
	if err := e.queue.MarkFailed(ctx, rec.SyncID, cause, next); err != nil {
		return fmt.Errorf("failed to return %s to queue: %w", rec.SyncID, err)
	}
	result.Retrying++
	return nil
}

// handleAuthFailure оставляет очередь нетронутой и поднимает алерт здоровья узла
func (e *PushEngine) handleAuthFailure(ctx context.Context, batch []*models.ChangeRecord, cause error) error {
	e.release(ctx, batch)

	alert := authAlert(cause)
	if err := e.meta.SetAuthAlert(ctx, alert, e.now().UTC()); err != nil {
		e.logger.Error("Failed to store auth alert", "error", err)
	}
	e.logger.Error("Push refused by aggregator, queue retained", "changes", len(batch), "error", cause)
	return fmt.Errorf("push failed: %w", cause)
}

func (e *PushEngine) release(ctx context.Context, batch []*models.ChangeRecord) {
	ids := make([]string, 0, len(batch))
	for _, rec := range batch {
		ids = append(ids, rec.SyncID)
	}
	if err := e.queue.ReleaseInFlight(ctx, ids); err != nil && !errors.Is(err, storage.ErrStorageClosed) {
		e.logger.Error("Failed to release in-flight batch", "changes", len(ids), "error", err)
	}
}
