package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/capture"
	"github.com/iudanet/clinicsync/internal/node/storage/boltdb"
	"github.com/iudanet/clinicsync/pkg/api"
)

type testHandler struct {
	store   *boltdb.Storage
	mux     *http.ServeMux
	retries int
}

func setupTestHandler(t *testing.T) *testHandler {
	t.Helper()

	store := setupTestStore(t)
	th := &testHandler{store: store, mux: http.NewServeMux()}

	hook := capture.NewHook(store, "clinic-north", setupTestLogger())
	h := NewHandler(setupTestLogger(), newTestReporter(store), store, store, hook, func() { th.retries++ })
	h.Routes(th.mux)
	return th
}

func (th *testHandler) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHandler_LocalChange(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "create",
			body:       `{"collection":"patients","documentId":"pat-1","operation":"create","payload":{"name":"Rex"}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "create with identity",
			body:       `{"collection":"patients","documentId":"pat-2","operation":"create","payload":{"name":"Max"},"identity":{"externalIds":["chip:900"]}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "malformed body",
			body:       `{"collection":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "unknown operation",
			body:       `{"collection":"patients","documentId":"pat-3","operation":"merge","payload":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "delete of missing document",
			body:       `{"collection":"patients","documentId":"missing","operation":"delete"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "document not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := setupTestHandler(t)

			w := th.do(t, http.MethodPost, "/local/changes", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus == http.StatusCreated {
				resp := decode[api.LocalChangeResponse](t, w)
				assert.NotEmpty(t, resp.SyncID)
				assert.Equal(t, int64(1), resp.DocumentVersion)
				return
			}

			resp := decode[api.ErrorResponse](t, w)
			assert.Equal(t, http.StatusText(tt.wantStatus), resp.Error)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, resp.Message)
			}
		})
	}
}

func TestHandler_Document(t *testing.T) {
	th := setupTestHandler(t)

	w := th.do(t, http.MethodPost, "/local/changes",
		`{"collection":"patients","documentId":"pat-1","operation":"create","payload":{"name":"Rex"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = th.do(t, http.MethodGet, "/local/documents/patients/pat-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[api.LocalDocument](t, w)
	assert.Equal(t, "pat-1", doc.DocumentID)
	assert.Equal(t, "clinic-north", doc.SourceNodeID)
	assert.Equal(t, int64(1), doc.Version)
	assert.JSONEq(t, `{"name":"Rex"}`, string(doc.Payload))

	w = th.do(t, http.MethodGet, "/local/documents/patients/pat-404", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Status(t *testing.T) {
	th := setupTestHandler(t)
	enqueueAt(t, th.store, 1, reportNow.Add(-2*time.Hour))

	w := th.do(t, http.MethodGet, "/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decode[api.StatusResponse](t, w)
	assert.Equal(t, "clinic-north", resp.NodeID)
	assert.Equal(t, 1, resp.PendingCount)
	assert.True(t, resp.BacklogAlert)
}

func TestHandler_DeadLetters(t *testing.T) {
	ctx := context.Background()
	th := setupTestHandler(t)

	failed := enqueueAt(t, th.store, 1, reportNow)
	pending := enqueueAt(t, th.store, 2, reportNow)
	require.NoError(t, th.store.MarkDeadLetter(ctx, failed.SyncID, "gave up after 10 attempts: connection refused"))

	w := th.do(t, http.MethodGet, "/sync/dead-letters", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[api.QueuedChangeListResponse](t, w)
	require.Len(t, list.Changes, 1)
	assert.Equal(t, failed.SyncID, list.Changes[0].SyncID)
	assert.Equal(t, string(models.DeliveryFailed), list.Changes[0].DeliveryState)
	assert.Contains(t, list.Changes[0].LastError, "connection refused")

	// Повтор возвращает запись в pending и будит отправку
	w = th.do(t, http.MethodPost, "/sync/dead-letters/"+failed.SyncID+"/retry", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, th.retries)

	rec, err := th.store.GetChange(ctx, failed.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, rec.DeliveryState)

	// Запись не в dead letter
	w = th.do(t, http.MethodPost, "/sync/dead-letters/"+pending.SyncID+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = th.do(t, http.MethodPost, "/sync/dead-letters/00000000-0000-4000-8000-999999999999/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, th.retries)
}

func TestHandler_Conflicts(t *testing.T) {
	ctx := context.Background()
	th := setupTestHandler(t)

	enqueueAt(t, th.store, 1, reportNow)
	batch, err := th.store.DequeueBatch(ctx, 1, reportNow)
	require.NoError(t, err)
	require.NoError(t, th.store.MarkConflicted(ctx, batch[0].SyncID, &models.ConflictRecord{
		ID:         "conflict-7",
		Type:       models.ConflictConcurrentVersion,
		Status:     models.ConflictOpen,
		Collection: "patients",
		DocumentID: "doc-1",
		DetectedAt: reportNow,
	}))

	w := th.do(t, http.MethodGet, "/sync/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[api.QueuedChangeListResponse](t, w)
	require.Len(t, list.Changes, 1)
	require.NotNil(t, list.Changes[0].Conflict)
	assert.Equal(t, "conflict-7", list.Changes[0].Conflict.ID)
	assert.True(t, strings.HasPrefix(list.Changes[0].LastError, "concurrent-version"))
}
