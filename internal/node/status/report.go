// Package status формирует отчет о состоянии синхронизации узла и обслуживает
// node-local операторские эндпоинты.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// DefaultBacklogAlertAge возраст самой старой неотправленной записи, после которого поднимается алерт
const DefaultBacklogAlertAge = time.Hour

// Reporter собирает отчет о состоянии из очереди и метаданных
type Reporter struct {
	queue           storage.ChangeQueue
	meta            storage.MetadataStorage
	now             func() time.Time
	nodeID          string
	backlogAlertAge time.Duration
}

// NewReporter создает новый Reporter. backlogAlertAge <= 0 выключает алерт.
func NewReporter(queue storage.ChangeQueue, meta storage.MetadataStorage, nodeID string, backlogAlertAge time.Duration) *Reporter {
	return &Reporter{
		queue:           queue,
		meta:            meta,
		nodeID:          nodeID,
		backlogAlertAge: backlogAlertAge,
		now:             time.Now,
	}
}

// Report возвращает текущее состояние синхронизации узла.
// Обычные разрывы связи видны только как счетчик и возраст очереди,
// алерт поднимается, когда возраст превысил порог.
func (r *Reporter) Report(ctx context.Context) (*api.StatusResponse, error) {
	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	meta, err := r.meta.GetSyncMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync metadata: %w", err)
	}

	resp := &api.StatusResponse{
		NodeID:            r.nodeID,
		PendingCount:      stats.Pending,
		InFlightCount:     stats.InFlight,
		DeadLetterCount:   stats.Failed,
		OpenConflictCount: stats.OpenConflicts,
		LastPushAt:        meta.LastPushAt,
		LastPullAt:        meta.LastPullAt,
		AuthAlert:         meta.AuthAlert,
	}

	if !stats.OldestPendingAt.IsZero() {
		age := max(r.now().Sub(stats.OldestPendingAt), 0)
		resp.OldestPendingAgeMs = age.Milliseconds()
		resp.BacklogAlert = r.backlogAlertAge > 0 && age > r.backlogAlertAge
	}

	return resp, nil
}
