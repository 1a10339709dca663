package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/clinicsync/internal/crypto"
	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/pkg/api"
)

// Authenticator проверяет пару nodeId + authToken
type Authenticator interface {
	Authenticate(ctx context.Context, nodeID, token string) (*models.NodeRegistration, error)
}

// NodeAuthMiddleware создает middleware для аутентификации узлов.
// Ожидает заголовки Authorization: Bearer <token> и X-Node-Id.
func NodeAuthMiddleware(logger *slog.Logger, auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				logger.Warn("Missing or malformed Authorization header", "path", r.URL.Path)
				http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
				return
			}

			nodeID := r.Header.Get(api.HeaderNodeID)
			if nodeID == "" {
				logger.Warn("Missing node id header", "path", r.URL.Path)
				http.Error(w, "Unauthorized: missing node id", http.StatusUnauthorized)
				return
			}

			node, err := auth.Authenticate(r.Context(), nodeID, token)
			if err != nil {
				// Токен не логируем
				logger.Warn("Node authentication failed", "node_id", nodeID, "error", err)
				http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			logger.Debug("Node authenticated", "node_id", node.NodeID)

			next.ServeHTTP(w, r.WithContext(handlers.WithNode(r.Context(), node)))
		})
	}
}

// AdminAuthMiddleware защищает операторские эндпоинты статическим токеном
func AdminAuthMiddleware(logger *slog.Logger, adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || adminToken == "" || !crypto.ConstantTimeEqual(token, adminToken) {
				logger.Warn("Admin authentication failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken извлекает токен из заголовка "Authorization: Bearer <token>"
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
