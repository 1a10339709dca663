package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/pkg/api"
)

func TestNodeConflictHandler_Lookup(t *testing.T) {
	conflicts := map[string]*models.ConflictRecord{
		"c-own": {
			ID:     "c-own",
			Type:   models.ConflictConcurrentVersion,
			Status: models.ConflictResolved,
			CompetingVersions: []models.VersionSnapshot{
				{DocumentID: "pat-1", SourceNodeID: "clinic-b", DocumentVersion: 2},
				{DocumentID: "pat-1", SourceNodeID: "clinic-a", DocumentVersion: 2},
			},
		},
		"c-foreign": {
			ID:     "c-foreign",
			Type:   models.ConflictCrossNodeIdentity,
			Status: models.ConflictOpen,
			CompetingVersions: []models.VersionSnapshot{
				{DocumentID: "pat-7", SourceNodeID: "clinic-b"},
				{DocumentID: "pat-9", SourceNodeID: "clinic-c"},
			},
		},
	}
	store := &ConflictStorageMock{
		GetConflictFunc: func(_ context.Context, id string) (*models.ConflictRecord, error) {
			if id == "c-broken" {
				return nil, errors.New("database is locked")
			}
			c, ok := conflicts[id]
			if !ok {
				return nil, storage.ErrConflictNotFound
			}
			return c, nil
		},
	}
	handler := NewNodeConflictHandler(setupTestLogger(), store)

	tests := []struct {
		name     string
		target   string
		wantIDs  []string
		wantCode int
	}{
		{name: "own conflict", target: "/sync/conflicts?ids=c-own", wantCode: http.StatusOK, wantIDs: []string{"c-own"}},
		{name: "foreign and unknown skipped", target: "/sync/conflicts?ids=c-foreign,c-missing,c-own,c-own", wantCode: http.StatusOK, wantIDs: []string{"c-own"}},
		{name: "nothing known", target: "/sync/conflicts?ids=c-missing", wantCode: http.StatusOK, wantIDs: []string{}},
		{name: "no ids", target: "/sync/conflicts?ids=,", wantCode: http.StatusBadRequest},
		{name: "storage failure", target: "/sync/conflicts?ids=c-broken", wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Lookup(w, authedRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantIDs == nil {
				return
			}

			var resp api.ConflictListResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			ids := make([]string, 0, len(resp.Conflicts))
			for _, c := range resp.Conflicts {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestNodeConflictHandler_LookupLimits(t *testing.T) {
	handler := NewNodeConflictHandler(setupTestLogger(), &ConflictStorageMock{})

	w := httptest.NewRecorder()
	handler.Lookup(w, httptest.NewRequest(http.MethodGet, "/sync/conflicts?ids=c-1", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ids := make([]byte, 0, 4*(MaxConflictLookup+1))
	for i := range MaxConflictLookup + 1 {
		if i > 0 {
			ids = append(ids, ',')
		}
		ids = append(ids, 'c', byte('a'+i%26), byte('a'+i/26))
	}
	w = httptest.NewRecorder()
	handler.Lookup(w, authedRequest(http.MethodGet, "/sync/conflicts?ids="+string(ids), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
