package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/aggregator"
	"github.com/iudanet/clinicsync/internal/validation"
	"github.com/iudanet/clinicsync/pkg/api"
)

// MaxPushBatch максимальное количество записей в одном push
const MaxPushBatch = api.MaxPushBatch

// SyncService определяет интерфейс ingestion и pull
type SyncService interface {
	Push(ctx context.Context, node *models.NodeRegistration, changes []*models.ChangeRecord) ([]*models.Outcome, error)
	Pull(ctx context.Context, node *models.NodeRegistration, collection string, since int64, limit int) (*aggregator.PullPage, error)
}

// ConfigProvider отдает конфигурацию синхронизации узла
type ConfigProvider interface {
	GetConfig(ctx context.Context, nodeID string) (*models.NodeConfig, error)
}

// Subscriber держит websocket подписку узла
type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request, node *models.NodeRegistration) error
}

// SyncRecorder учитывает метрики синхронизации
type SyncRecorder interface {
	ObserveOutcome(nodeID, result string)
	ObserveConflict(conflictType string)
	ObserveDeltas(collection string, n int)
}

// SyncHandler handles node synchronization requests
type SyncHandler struct {
	responder
	service SyncService
	configs ConfigProvider
	hub     Subscriber
	metrics SyncRecorder
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, service SyncService, configs ConfigProvider, hub Subscriber, metrics SyncRecorder) *SyncHandler {
	return &SyncHandler{
		responder: responder{logger: logger},
		service:   service,
		configs:   configs,
		hub:       hub,
		metrics:   metrics,
	}
}

// Push обрабатывает POST /sync/push
// Возвращает по одному outcome на каждый syncId в порядке запроса
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	node, ok := GetNode(r.Context())
	if !ok {
		h.sendError(w, "node is not authenticated", http.StatusUnauthorized)
		return
	}

	var req api.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode push request", "node_id", node.NodeID, "error", err)
		// 413 говорит узлу, что батч нужно разделить, а не считать записи ошибочными
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Changes) > MaxPushBatch {
		h.sendError(w, "batch exceeds "+strconv.Itoa(MaxPushBatch)+" changes", http.StatusRequestEntityTooLarge)
		return
	}

	changes := make([]*models.ChangeRecord, 0, len(req.Changes))
	for _, c := range req.Changes {
		changes = append(changes, c.Record(node.NodeID))
	}

	outcomes, err := h.service.Push(r.Context(), node, changes)
	if err != nil {
		if errors.Is(err, aggregator.ErrSyncDisabled) {
			h.sendError(w, err.Error(), http.StatusForbidden)
			return
		}
		h.logger.Error("Push failed", "node_id", node.NodeID, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.PushResponse{Outcomes: make([]api.Outcome, 0, len(outcomes))}
	counts := make(map[models.OutcomeResult]int)
	for _, o := range outcomes {
		resp.Outcomes = append(resp.Outcomes, api.OutcomeFromModel(o))
		counts[o.Result]++
		h.metrics.ObserveOutcome(node.NodeID, string(o.Result))
		if o.Conflict != nil {
			h.metrics.ObserveConflict(string(o.Conflict.Type))
		}
	}

	h.logger.Info("Push completed",
		"node_id", node.NodeID,
		"changes", len(changes),
		"accepted", counts[models.ResultAccepted],
		"duplicate", counts[models.ResultDuplicate],
		"conflicted", counts[models.ResultConflicted],
		"rejected", counts[models.ResultRejected],
	)

	h.sendJSON(w, resp, http.StatusOK)
}

// Pull обрабатывает GET /sync/pull?collection=X&since=N[&limit=L]
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	node, ok := GetNode(r.Context())
	if !ok {
		h.sendError(w, "node is not authenticated", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	collection := query.Get("collection")
	if collection == "" {
		h.sendError(w, "collection is required", http.StatusBadRequest)
		return
	}

	since, err := parseInt(query.Get("since"))
	if err != nil || since < 0 {
		h.sendError(w, "invalid since parameter", http.StatusBadRequest)
		return
	}
	limit, err := parseInt(query.Get("limit"))
	if err != nil || limit < 0 {
		h.sendError(w, "invalid limit parameter", http.StatusBadRequest)
		return
	}

	page, err := h.service.Pull(r.Context(), node, collection, since, int(limit))
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidChange):
			h.sendError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, aggregator.ErrCollectionNotSynced), errors.Is(err, aggregator.ErrSyncDisabled):
			h.sendError(w, err.Error(), http.StatusForbidden)
		default:
			h.logger.Error("Pull failed", "node_id", node.NodeID, "collection", collection, "error", err)
			h.sendError(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	resp := api.PullResponse{
		Deltas:     make([]api.Delta, 0, len(page.Deltas)),
		NextCursor: page.NextCursor,
	}
	for _, d := range page.Deltas {
		resp.Deltas = append(resp.Deltas, api.DeltaFromModel(d))
	}
	h.metrics.ObserveDeltas(collection, len(resp.Deltas))

	h.logger.Debug("Pull completed",
		"node_id", node.NodeID,
		"collection", collection,
		"since", since,
		"deltas", len(resp.Deltas),
		"next_cursor", resp.NextCursor,
	)

	h.sendJSON(w, resp, http.StatusOK)
}

// Config обрабатывает GET /sync/config
func (h *SyncHandler) Config(w http.ResponseWriter, r *http.Request) {
	node, ok := GetNode(r.Context())
	if !ok {
		h.sendError(w, "node is not authenticated", http.StatusUnauthorized)
		return
	}

	cfg, err := h.configs.GetConfig(r.Context(), node.NodeID)
	if err != nil {
		h.logger.Error("Failed to get node config", "node_id", node.NodeID, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, api.NodeConfigResponse{
		NodeID:            cfg.NodeID,
		SyncedCollections: cfg.SyncedCollections,
		PushIntervalSec:   int64(cfg.PushInterval / time.Second),
		PullIntervalSec:   int64(cfg.PullInterval / time.Second),
		SyncEnabled:       cfg.SyncEnabled,
	}, http.StatusOK)
}

// Subscribe обрабатывает GET /sync/subscribe (websocket)
func (h *SyncHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	node, ok := GetNode(r.Context())
	if !ok {
		h.sendError(w, "node is not authenticated", http.StatusUnauthorized)
		return
	}

	// Upgrader сам отвечает клиенту при ошибке рукопожатия
	if err := h.hub.ServeWS(w, r, node); err != nil {
		h.logger.Warn("Subscription failed", "node_id", node.NodeID, "error", err)
	}
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
