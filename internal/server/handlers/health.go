package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Version версия сборки, задается через -ldflags
var Version = "dev"

// Pinger проверяет доступность хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler обрабатывает health check запросы
type HealthHandler struct {
	responder
	db Pinger
}

// NewHealthHandler создает новый handler для health check
func NewHealthHandler(logger *slog.Logger, db Pinger) *HealthHandler {
	return &HealthHandler{
		responder: responder{logger: logger},
		db:        db,
	}
}

// HealthResponse представляет ответ health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health обрабатывает GET /health
// Health check endpoint для мониторинга, проверяет доступность базы данных
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", slog.Any("error", err))
		h.sendJSON(w, HealthResponse{Status: "unavailable", Version: Version}, http.StatusServiceUnavailable)
		return
	}

	h.sendJSON(w, HealthResponse{Status: "ok", Version: Version}, http.StatusOK)
}
