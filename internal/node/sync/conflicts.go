package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// ConflictReconciler сверяет отслеживаемые узлом конфликты со статусами на агрегаторе.
// Конфликты закрывает только оператор агрегатора, узел лишь узнает об этом.
type ConflictReconciler struct {
	client Aggregator
	queue  storage.ChangeQueue
	logger *slog.Logger
}

// NewConflictReconciler создает новый ConflictReconciler
func NewConflictReconciler(client Aggregator, queue storage.ChangeQueue, logger *slog.Logger) *ConflictReconciler {
	return &ConflictReconciler{client: client, queue: queue, logger: logger}
}

// Run запрашивает статусы открытых конфликтов и возвращает количество разрешенных
func (c *ConflictReconciler) Run(ctx context.Context) (int, error) {
	open, err := c.queue.ListOpenConflicts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open conflicts: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	tracked := make(map[string]*models.ConflictRecord, len(open))
	ids := make([]string, 0, len(open))
	for _, conflict := range open {
		tracked[conflict.ID] = conflict
		ids = append(ids, conflict.ID)
	}

	resolved := 0
	for start := 0; start < len(ids); start += api.MaxConflictLookup {
		end := min(start+api.MaxConflictLookup, len(ids))
		remote, err := c.client.Conflicts(ctx, ids[start:end])
		if err != nil {
			return resolved, fmt.Errorf("failed to fetch conflicts: %w", err)
		}

		for _, rc := range remote {
			local, ok := tracked[rc.ID]
			if !ok || string(local.Status) == rc.Status {
				continue
			}
			conflict := rc.Record()
			if err := c.queue.SettleConflict(ctx, conflict); err != nil {
				return resolved, fmt.Errorf("failed to settle conflict %s: %w", rc.ID, err)
			}
			if conflict.Open() {
				c.logger.Info("Conflict status changed on aggregator",
					"conflict_id", conflict.ID,
					"status", conflict.Status)
				continue
			}
			resolved++
			c.logger.Info("Conflict resolved by operator",
				"conflict_id", conflict.ID,
				"conflict_type", conflict.Type,
				"document_id", conflict.DocumentID,
				"resolved_by", conflict.ResolvedBy)
		}
	}

	return resolved, nil
}
