package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/registry"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// NodeRegistry определяет операции реестра, доступные оператору
type NodeRegistry interface {
	Register(ctx context.Context, params registry.RegisterParams) (*models.NodeRegistration, string, error)
	RotateToken(ctx context.Context, nodeID string) (string, error)
	SetSyncEnabled(ctx context.Context, nodeID string, enabled bool) error
	List(ctx context.Context) ([]*models.NodeRegistration, error)
	ListOnline(ctx context.Context, timeout time.Duration) ([]*models.NodeRegistration, error)
}

// AdminHandler обрабатывает операторские запросы агрегатора
type AdminHandler struct {
	responder
	registry      NodeRegistry
	conflicts     storage.ConflictStorage
	onlineTimeout time.Duration
}

// NewAdminHandler создает новый admin handler
func NewAdminHandler(logger *slog.Logger, reg NodeRegistry, conflicts storage.ConflictStorage, onlineTimeout time.Duration) *AdminHandler {
	return &AdminHandler{
		responder:     responder{logger: logger},
		registry:      reg,
		conflicts:     conflicts,
		onlineTimeout: onlineTimeout,
	}
}

// RegisterNode обрабатывает POST /admin/nodes
// authToken возвращается в ответе один раз
func (h *AdminHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	node, token, err := h.registry.Register(r.Context(), registry.RegisterParams{
		NodeID:            req.NodeID,
		DisplayName:       req.DisplayName,
		SyncedCollections: req.SyncedCollections,
		PushInterval:      time.Duration(req.PushIntervalSec) * time.Second,
		PullInterval:      time.Duration(req.PullIntervalSec) * time.Second,
		SyncEnabled:       req.SyncEnabled,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidNode):
			h.sendError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, storage.ErrNodeAlreadyExists):
			h.sendError(w, "node already registered", http.StatusConflict)
		default:
			h.logger.Error("Failed to register node", "node_id", req.NodeID, "error", err)
			h.sendError(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.sendJSON(w, api.RegisterNodeResponse{NodeID: node.NodeID, AuthToken: token}, http.StatusCreated)
}

// ListNodes обрабатывает GET /admin/nodes[?online=5m]
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	var (
		nodes []*models.NodeRegistration
		err   error
	)

	if raw := r.URL.Query().Get("online"); raw != "" {
		timeout, parseErr := time.ParseDuration(raw)
		if parseErr != nil || timeout <= 0 {
			h.sendError(w, "invalid online parameter", http.StatusBadRequest)
			return
		}
		nodes, err = h.registry.ListOnline(r.Context(), timeout)
	} else {
		nodes, err = h.registry.List(r.Context())
	}
	if err != nil {
		h.logger.Error("Failed to list nodes", "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	resp := api.NodeListResponse{Nodes: make([]api.Node, 0, len(nodes))}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, api.NodeFromRegistration(n, now, h.onlineTimeout))
	}
	h.sendJSON(w, resp, http.StatusOK)
}

// RotateToken обрабатывает POST /admin/nodes/{id}/token
// Старый токен перестает приниматься сразу
func (h *AdminHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	token, err := h.registry.RotateToken(r.Context(), nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			h.sendError(w, "node not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to rotate token", "node_id", nodeID, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.sendJSON(w, api.RegisterNodeResponse{NodeID: nodeID, AuthToken: token}, http.StatusOK)
}

// SetSyncEnabled обрабатывает PUT /admin/nodes/{id}/sync
func (h *AdminHandler) SetSyncEnabled(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")

	var req api.SyncToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.registry.SetSyncEnabled(r.Context(), nodeID, req.SyncEnabled); err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			h.sendError(w, "node not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to toggle sync", "node_id", nodeID, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts обрабатывает GET /admin/conflicts[?status=open]
func (h *AdminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.sendError(w, "invalid status parameter", http.StatusBadRequest)
		return
	}

	conflicts, err := h.conflicts.ListConflicts(r.Context(), status)
	if err != nil {
		h.logger.Error("Failed to list conflicts", "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := api.ConflictListResponse{Conflicts: make([]api.Conflict, 0, len(conflicts))}
	for _, c := range conflicts {
		resp.Conflicts = append(resp.Conflicts, api.ConflictFromRecord(c))
	}
	h.sendJSON(w, resp, http.StatusOK)
}

// UpdateConflictStatus обрабатывает POST /admin/conflicts/{id}/status
// Единственный способ закрыть конфликт
func (h *AdminHandler) UpdateConflictStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.ConflictStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status := models.ConflictStatus(req.Status)
	if !status.Valid() {
		h.sendError(w, "status must be open, reviewed or resolved", http.StatusBadRequest)
		return
	}
	if status == models.ConflictResolved && req.ResolvedBy == "" {
		h.sendError(w, "resolvedBy is required to resolve a conflict", http.StatusBadRequest)
		return
	}

	err := h.conflicts.UpdateConflictStatus(r.Context(), id, status, req.ResolvedBy, req.Note, time.Now())
	if err != nil {
		if errors.Is(err, storage.ErrConflictNotFound) {
			h.sendError(w, "conflict not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to update conflict", "conflict_id", id, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	conflict, err := h.conflicts.GetConflict(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to reload conflict", "conflict_id", id, "error", err)
		h.sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Conflict status updated", "conflict_id", id, "status", status, "resolved_by", req.ResolvedBy)
	h.sendJSON(w, api.ConflictFromRecord(conflict), http.StatusOK)
}
