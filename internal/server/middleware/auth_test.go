package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/handlers"
	"github.com/iudanet/clinicsync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

type AuthenticatorMock struct {
	AuthenticateFunc func(ctx context.Context, nodeID, token string) (*models.NodeRegistration, error)
	calls            int
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, nodeID, token string) (*models.NodeRegistration, error) {
	m.calls++
	return m.AuthenticateFunc(ctx, nodeID, token)
}

func TestNodeAuthMiddleware(t *testing.T) {
	auth := &AuthenticatorMock{
		AuthenticateFunc: func(_ context.Context, nodeID, token string) (*models.NodeRegistration, error) {
			if nodeID == "clinic-a" && token == "good-token" {
				return &models.NodeRegistration{NodeID: nodeID, SyncEnabled: true}, nil
			}
			return nil, errors.New("unauthorized")
		},
	}

	tests := []struct {
		name          string
		authorization string
		nodeID        string
		wantCode      int
		wantAuthCall  bool
	}{
		{name: "valid token", authorization: "Bearer good-token", nodeID: "clinic-a", wantCode: http.StatusOK, wantAuthCall: true},
		{name: "lowercase scheme", authorization: "bearer good-token", nodeID: "clinic-a", wantCode: http.StatusOK, wantAuthCall: true},
		{name: "missing header", nodeID: "clinic-a", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", authorization: "Basic good-token", nodeID: "clinic-a", wantCode: http.StatusUnauthorized},
		{name: "empty token", authorization: "Bearer ", nodeID: "clinic-a", wantCode: http.StatusUnauthorized},
		{name: "missing node id", authorization: "Bearer good-token", wantCode: http.StatusUnauthorized},
		{name: "revoked token", authorization: "Bearer old-token", nodeID: "clinic-a", wantCode: http.StatusUnauthorized, wantAuthCall: true},
		{name: "token of another node", authorization: "Bearer good-token", nodeID: "clinic-b", wantCode: http.StatusUnauthorized, wantAuthCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth.calls = 0
			var gotNode *models.NodeRegistration
			handler := NodeAuthMiddleware(setupTestLogger(), auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				node, ok := handlers.GetNode(r.Context())
				require.True(t, ok, "node should be in context")
				gotNode = node
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/sync/push", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			if tt.nodeID != "" {
				req.Header.Set(api.HeaderNodeID, tt.nodeID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantAuthCall, auth.calls == 1)
			if tt.wantCode == http.StatusOK {
				require.NotNil(t, gotNode)
				assert.Equal(t, tt.nodeID, gotNode.NodeID)
			} else {
				assert.Nil(t, gotNode)
			}
		})
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		adminToken    string
		authorization string
		wantCode      int
	}{
		{name: "valid admin token", adminToken: "admin-secret", authorization: "Bearer admin-secret", wantCode: http.StatusOK},
		{name: "wrong admin token", adminToken: "admin-secret", authorization: "Bearer node-token", wantCode: http.StatusUnauthorized},
		{name: "missing header", adminToken: "admin-secret", wantCode: http.StatusUnauthorized},
		{name: "admin api disabled", adminToken: "", authorization: "Bearer ", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AdminAuthMiddleware(setupTestLogger(), tt.adminToken)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/admin/nodes", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}
