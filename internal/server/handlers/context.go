package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/pkg/api"
)

// contextKey тип для ключей контекста
type contextKey string

// NodeKey ключ для хранения аутентифицированного узла в контексте
const NodeKey contextKey = "node"

// WithNode возвращает контекст с аутентифицированным узлом
func WithNode(ctx context.Context, node *models.NodeRegistration) context.Context {
	return context.WithValue(ctx, NodeKey, node)
}

// GetNode извлекает узел из контекста запроса (установлен NodeAuthMiddleware)
func GetNode(ctx context.Context) (*models.NodeRegistration, bool) {
	node, ok := ctx.Value(NodeKey).(*models.NodeRegistration)
	return node, ok && node != nil
}

// responder общие методы отправки JSON ответов
type responder struct {
	logger *slog.Logger
}

// sendJSON отправляет JSON ответ
func (h responder) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

// sendError отправляет JSON ответ с ошибкой
func (h responder) sendError(w http.ResponseWriter, message string, statusCode int) {
	resp := api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	h.sendJSON(w, resp, statusCode)
}
