package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

// MaxConflictLookup максимальное количество id в одном GET /sync/conflicts
const MaxConflictLookup = api.MaxConflictLookup

// NodeConflictHandler отдает узлу статусы конфликтов, в которых участвуют его записи
type NodeConflictHandler struct {
	responder
	conflicts storage.ConflictStorage
}

// NewNodeConflictHandler создает новый обработчик конфликтов для узлов
func NewNodeConflictHandler(logger *slog.Logger, conflicts storage.ConflictStorage) *NodeConflictHandler {
	return &NodeConflictHandler{
		responder: responder{logger: logger},
		conflicts: conflicts,
	}
}

// Lookup обрабатывает GET /sync/conflicts?ids=a,b
// Неизвестные id и конфликты без версий узла в ответ не попадают.
func (h *NodeConflictHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	node, ok := GetNode(r.Context())
	if !ok {
		h.sendError(w, "node is not authenticated", http.StatusUnauthorized)
		return
	}

	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		h.sendError(w, "ids parameter is required", http.StatusBadRequest)
		return
	}
	if len(ids) > MaxConflictLookup {
		h.sendError(w, "too many ids", http.StatusBadRequest)
		return
	}

	resp := api.ConflictListResponse{Conflicts: make([]api.Conflict, 0, len(ids))}
	for _, id := range ids {
		conflict, err := h.conflicts.GetConflict(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrConflictNotFound) {
				continue
			}
			h.logger.Error("Failed to get conflict", "node_id", node.NodeID, "conflict_id", id, "error", err)
			h.sendError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if !involves(conflict, node.NodeID) {
			continue
		}
		resp.Conflicts = append(resp.Conflicts, api.ConflictFromRecord(conflict))
	}
	h.sendJSON(w, resp, http.StatusOK)
}

func splitIDs(raw string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// involves узел является источником одной из конкурирующих версий
func involves(c *models.ConflictRecord, nodeID string) bool {
	for _, v := range c.CompetingVersions {
		if v.SourceNodeID == nodeID {
			return true
		}
	}
	return false
}
