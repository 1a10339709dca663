package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/clinicsync/internal/clock"
	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// DefaultPullPageSize размер страницы pull по умолчанию
const DefaultPullPageSize = 500

// PullResult итог pull
type PullResult struct {
	Cursors map[string]int64 // Cursors курсоры коллекций после pull
	Pages   int
	Pulled  int // получено дельт
	Applied int // применено к локальной реплике
	Own     int // собственные изменения узла, пропущены
	Stale   int // версия не новее локальной, пропущены
}

// PullEngine применяет изменения других узлов к локальной реплике.
// Страница дельт и курсор коллекции сохраняются одной транзакцией.
type PullEngine struct {
	client   Aggregator
	docs     storage.DocumentStorage
	meta     storage.MetadataStorage
	logger   *slog.Logger
	now      func() time.Time
	nodeID   string
	pageSize int
}

// NewPullEngine создает новый PullEngine
func NewPullEngine(client Aggregator, docs storage.DocumentStorage, meta storage.MetadataStorage, nodeID string, pageSize int, logger *slog.Logger) *PullEngine {
	if pageSize <= 0 {
		pageSize = DefaultPullPageSize
	}
	return &PullEngine{
		client:   client,
		docs:     docs,
		meta:     meta,
		nodeID:   nodeID,
		pageSize: pageSize,
		logger:   logger,
		now:      time.Now,
	}
}

// Run выполняет pull всех коллекций.
// Ошибка одной коллекции не мешает остальным; ошибка аутентификации прекращает pull.
func (e *PullEngine) Run(ctx context.Context, collections []string) (*PullResult, error) {
	result := &PullResult{Cursors: make(map[string]int64, len(collections))}

	cursors, err := e.docs.ListCursors(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load cursors: %w", err)
	}

	var (
		errs      []error
		succeeded int
	)
	for _, collection := range collections {
		cursor, err := e.pullCollection(ctx, collection, cursors[collection], result)
		result.Cursors[collection] = cursor
		if err != nil {
			if isAuthFailure(err) {
				if alertErr := e.meta.SetAuthAlert(ctx, authAlert(err), e.now().UTC()); alertErr != nil {
					e.logger.Error("Failed to store auth alert", "error", alertErr)
				}
				e.logger.Error("Pull refused by aggregator", "collection", collection, "error", err)
				return result, fmt.Errorf("pull %s: %w", collection, err)
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			e.logger.Warn("Pull failed", "collection", collection, "error", err)
			errs = append(errs, fmt.Errorf("pull %s: %w", collection, err))
			continue
		}
		succeeded++
	}

	if succeeded > 0 {
		if err := e.meta.RecordPull(ctx, e.now().UTC()); err != nil {
			e.logger.Warn("Failed to record pull time", "error", err)
		}
	}
	if result.Pulled > 0 {
		e.logger.Info("Pull completed",
			"collections", len(collections),
			"pages", result.Pages,
			"pulled", result.Pulled,
			"applied", result.Applied,
			"own", result.Own,
			"stale", result.Stale)
	}

	return result, errors.Join(errs...)
}

// pullCollection запрашивает страницы, пока не придет неполная, и возвращает итоговый курсор
func (e *PullEngine) pullCollection(ctx context.Context, collection string, since int64, result *PullResult) (int64, error) {
	for {
		page, err := e.client.Pull(ctx, collection, since, e.pageSize)
		if err != nil {
			return since, err
		}
		result.Pages++
		result.Pulled += len(page.Deltas)

		next, err := e.applyPage(ctx, collection, since, page, result)
		if err != nil {
			return since, err
		}

		if len(page.Deltas) < e.pageSize || next <= since {
			return next, nil
		}
		since = next
	}
}

// applyPage применяет страницу и двигает курсор в одной транзакции.
// Падение до коммита оставляет и реплику, и курсор на предыдущей странице.
func (e *PullEngine) applyPage(ctx context.Context, collection string, since int64, page *api.PullResponse, result *PullResult) (int64, error) {
	next := max(since, page.NextCursor)
	for _, d := range page.Deltas {
		next = max(next, d.Sequence)
	}
	if len(page.Deltas) == 0 && next == since {
		return since, nil
	}

	var applied, own, stale int
	err := e.docs.InTx(ctx, func(tx storage.Tx) error {
		applied, own, stale = 0, 0, 0
		for _, delta := range page.Deltas {
			d := delta.Model()
			if d.Collection == "" {
				d.Collection = collection
			}
			if d.SourceNodeID == e.nodeID {
				own++
				continue
			}

			ok, err := e.applyDelta(tx, d)
			if err != nil {
				return fmt.Errorf("failed to apply delta %d: %w", d.Sequence, err)
			}
			if ok {
				applied++
			} else {
				stale++
			}
		}
		return tx.SetCursor(collection, next)
	})
	if err != nil {
		return since, err
	}

	result.Applied += applied
	result.Own += own
	result.Stale += stale

	e.logger.Debug("Pull page applied",
		"collection", collection,
		"since", since,
		"next_cursor", next,
		"deltas", len(page.Deltas),
		"applied", applied)
	return next, nil
}

// applyDelta записывает документ, только если версия дельты новее локальной.
// Запись идет напрямую в реплику, минуя Change Capture Hook: изменение не попадает в очередь.
func (e *PullEngine) applyDelta(tx storage.Tx, d *models.Delta) (bool, error) {
	var local int64
	current, err := tx.GetDocument(d.Collection, d.DocumentID)
	switch {
	case errors.Is(err, storage.ErrDocumentNotFound):
	case err != nil:
		return false, err
	default:
		local = current.Version
	}

	docClock := clock.Restore(local)
	if !docClock.Dominates(d.DocumentVersion) {
		return false, nil
	}

	doc := &models.LocalDocument{
		Collection:   d.Collection,
		DocumentID:   d.DocumentID,
		SourceNodeID: d.SourceNodeID,
		Payload:      d.Payload,
		Version:      docClock.Observe(d.DocumentVersion),
		Deleted:      d.Operation == models.OperationDelete,
		UpdatedAt:    e.now().UTC(),
	}
	if doc.Deleted {
		doc.Payload = nil
	}
	return true, tx.PutDocument(doc)
}
