package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/storage"
	"github.com/iudanet/clinicsync/internal/node/storage/boltdb"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// setupTestStore creates bolt storage in a temp dir
func setupTestStore(t *testing.T) *boltdb.Storage {
	t.Helper()
	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var reportNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// enqueueAt кладет в очередь запись с фиксированным временем захвата
func enqueueAt(t *testing.T, store *boltdb.Storage, n int, capturedAt time.Time) *models.ChangeRecord {
	t.Helper()
	rec := &models.ChangeRecord{
		SyncID:          fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		SourceNodeID:    "clinic-north",
		Collection:      "patients",
		DocumentID:      fmt.Sprintf("doc-%d", n),
		Operation:       models.OperationCreate,
		Payload:         json.RawMessage(`{"name":"Rex"}`),
		DocumentVersion: 1,
		CapturedAt:      capturedAt,
	}
	require.NoError(t, store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.Enqueue(rec)
	}))
	return rec
}

func newTestReporter(store *boltdb.Storage) *Reporter {
	r := NewReporter(store, store, "clinic-north", DefaultBacklogAlertAge)
	r.now = func() time.Time { return reportNow }
	return r
}

func TestReporter_Golden(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	for i := 1; i <= 5; i++ {
		enqueueAt(t, store, i, reportNow.Add(-90*time.Minute+time.Duration(i-1)*10*time.Minute))
	}

	// doc-1 в полете, doc-2 в dead letter, doc-3 в конфликте, doc-4 и doc-5 ждут отправки
	batch, err := store.DequeueBatch(ctx, 3, reportNow)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.NoError(t, store.MarkDeadLetter(ctx, batch[1].SyncID, "rejected by aggregator: payload is not valid JSON"))
	require.NoError(t, store.MarkConflicted(ctx, batch[2].SyncID, &models.ConflictRecord{
		ID:     "conflict-1",
		Type:   models.ConflictConcurrentVersion,
		Status: models.ConflictOpen,
	}))

	require.NoError(t, store.RecordPush(ctx, reportNow.Add(-3*time.Hour)))
	require.NoError(t, store.RecordPull(ctx, reportNow.Add(-5*time.Minute)))
	require.NoError(t, store.SetAuthAlert(ctx, "aggregator rejected node credentials, re-issue the auth token: unauthorized", reportNow.Add(-time.Minute)))

	report, err := newTestReporter(store).Report(ctx)
	require.NoError(t, err)

	data, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "status_report", append(data, '\n'))
}

func TestReporter_OpenConflictsFollowAggregator(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	enqueueAt(t, store, 1, reportNow.Add(-time.Minute))

	batch, err := store.DequeueBatch(ctx, 1, reportNow)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	conflict := &models.ConflictRecord{ID: "conflict-1", Type: models.ConflictConcurrentVersion, Status: models.ConflictOpen}
	require.NoError(t, store.MarkConflicted(ctx, batch[0].SyncID, conflict))
	// Конфликт идентичности приходит с accepted, запись очереди уже подтверждена
	require.NoError(t, store.TrackConflict(ctx, &models.ConflictRecord{ID: "conflict-2", Type: models.ConflictCrossNodeIdentity, Status: models.ConflictOpen}))

	report, err := newTestReporter(store).Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.OpenConflictCount)

	resolved := *conflict
	resolved.Status = models.ConflictResolved
	require.NoError(t, store.SettleConflict(ctx, &resolved))

	report, err = newTestReporter(store).Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OpenConflictCount)
	assert.Zero(t, report.PendingCount+report.InFlightCount)
}

func TestReporter_EmptyQueue(t *testing.T) {
	store := setupTestStore(t)

	report, err := newTestReporter(store).Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "clinic-north", report.NodeID)
	assert.Zero(t, report.PendingCount)
	assert.Zero(t, report.OldestPendingAgeMs)
	assert.False(t, report.BacklogAlert)
	assert.Nil(t, report.LastPushAt)
	assert.Nil(t, report.LastPullAt)
	assert.Empty(t, report.AuthAlert)
}

func TestReporter_BacklogAlert(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		threshold time.Duration
		wantAlert bool
	}{
		{name: "fresh backlog", age: 10 * time.Minute, threshold: time.Hour, wantAlert: false},
		{name: "exactly at threshold", age: time.Hour, threshold: time.Hour, wantAlert: false},
		{name: "stale backlog", age: 2 * time.Hour, threshold: time.Hour, wantAlert: true},
		{name: "alert disabled", age: 48 * time.Hour, threshold: 0, wantAlert: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			enqueueAt(t, store, 1, reportNow.Add(-tt.age))

			r := NewReporter(store, store, "clinic-north", tt.threshold)
			r.now = func() time.Time { return reportNow }

			report, err := r.Report(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.PendingCount)
			assert.Equal(t, tt.age.Milliseconds(), report.OldestPendingAgeMs)
			assert.Equal(t, tt.wantAlert, report.BacklogAlert)
		})
	}
}

func TestReporter_ClockSkew(t *testing.T) {
	store := setupTestStore(t)
	// Время захвата впереди часов узла
	enqueueAt(t, store, 1, reportNow.Add(time.Minute))

	report, err := newTestReporter(store).Report(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.OldestPendingAgeMs)
	assert.False(t, report.BacklogAlert)
}
