package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	nodeapi "github.com/iudanet/clinicsync/internal/node/api"
	"github.com/iudanet/clinicsync/internal/node/storage/boltdb"
	"github.com/iudanet/clinicsync/pkg/api"
)

func newTestPushEngine(node *testNode, client Aggregator, cfg PushConfig) *PushEngine {
	return NewPushEngine(client, node.store, node.store, cfg, setupTestLogger())
}

func TestNewPushEngine_Defaults(t *testing.T) {
	node := setupTestNode(t, "clinic-north")
	e := newTestPushEngine(node, &AggregatorMock{}, PushConfig{})

	assert.Equal(t, DefaultBatchSize, e.cfg.BatchSize)
	assert.Equal(t, DefaultMaxBatchesPerRun, e.cfg.MaxBatchesPerRun)
	assert.Equal(t, DefaultMaxAttempts, e.cfg.MaxAttempts)
	assert.Equal(t, DefaultMaxBatchBytes, e.cfg.MaxBatchBytes)
}

func TestPushEngine_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	client := &AggregatorMock{PushFunc: acceptAll}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
	assert.Empty(t, client.PushCalls())

	// Без контакта с агрегатором время push не обновляется
	meta, err := node.store.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta.LastPushAt)
}

func TestPushEngine_AcknowledgesAcceptedAndDuplicate(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 2)

	client := &AggregatorMock{
		PushFunc: func(_ context.Context, batch []api.Change) (*api.PushResponse, error) {
			require.Len(t, batch, 2)
			assert.Equal(t, changes[0].SyncID, batch[0].SyncID)
			assert.Equal(t, int64(1), batch[0].DocumentVersion)
			return &api.PushResponse{Outcomes: []api.Outcome{
				{SyncID: batch[0].SyncID, Result: api.ResultAccepted},
				{SyncID: batch[1].SyncID, Result: api.ResultDuplicate},
			}}, nil
		},
	}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 2, result.Acknowledged)

	stats, err := node.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.InFlight+stats.Failed+stats.Conflicted)

	meta, err := node.store.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.NotNil(t, meta.LastPushAt)
}

func TestPushEngine_ConflictDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 10)
	conflictedID := changes[4].SyncID

	client := &AggregatorMock{
		PushFunc: func(_ context.Context, batch []api.Change) (*api.PushResponse, error) {
			resp := &api.PushResponse{}
			for _, c := range batch {
				if c.SyncID != conflictedID {
					resp.Outcomes = append(resp.Outcomes, api.Outcome{SyncID: c.SyncID, Result: api.ResultAccepted})
					continue
				}
				resp.Outcomes = append(resp.Outcomes, api.Outcome{
					SyncID: c.SyncID,
					Result: api.ResultConflicted,
					Conflict: &api.Conflict{
						ID:           "conflict-5",
						ConflictType: string(models.ConflictConcurrentVersion),
						Collection:   c.Collection,
						DocumentID:   c.DocumentID,
						SyncID:       c.SyncID,
						Status:       string(models.ConflictOpen),
						CompetingVersions: []api.VersionSnapshot{
							{DocumentID: c.DocumentID, SourceNodeID: "clinic-south", DocumentVersion: 1},
							{DocumentID: c.DocumentID, SourceNodeID: "clinic-north", SyncID: c.SyncID, DocumentVersion: 1},
						},
					},
				})
			}
			return resp, nil
		},
	}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, result.Acknowledged)
	assert.Equal(t, 1, result.Conflicted)

	conflicted, err := node.store.ListByState(ctx, models.DeliveryConflicted)
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Equal(t, conflictedID, conflicted[0].SyncID)
	require.NotNil(t, conflicted[0].Conflict)
	assert.Equal(t, "conflict-5", conflicted[0].Conflict.ID)
	assert.Len(t, conflicted[0].Conflict.CompetingVersions, 2)

	stats, err := node.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InFlight)
}

func TestPushEngine_RejectedIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 2)

	client := &AggregatorMock{
		PushFunc: func(_ context.Context, batch []api.Change) (*api.PushResponse, error) {
			return &api.PushResponse{Outcomes: []api.Outcome{
				{SyncID: batch[0].SyncID, Result: api.ResultRejected, Reason: "collection not synced"},
				{SyncID: batch[1].SyncID, Result: api.ResultAccepted},
			}}, nil
		},
	}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Acknowledged)

	dead, err := node.store.GetChange(ctx, changes[0].SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, dead.DeliveryState)
	assert.Contains(t, dead.LastError, "collection not synced")

	// Dead letter не отправляется повторно автоматически
	_, err = newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, client.PushCalls(), 1)
}

func TestPushEngine_TransportFailureAppliesBackoff(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	node.writeMany(t, 3)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	client := &AggregatorMock{
		PushFunc: func(context.Context, []api.Change) (*api.PushResponse, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	e := newTestPushEngine(node, client, PushConfig{Backoff: Backoff{Base: 5 * time.Second, Cap: 5 * time.Minute, rand: func() float64 { return 0 }}})
	e.now = func() time.Time { return now }

	result, err := e.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, result.Retrying)

	pending, err := node.store.ListByState(ctx, models.DeliveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, rec := range pending {
		assert.Equal(t, 1, rec.Attempts)
		assert.True(t, rec.NextAttemptAt.Equal(now.Add(5*time.Second)))
		assert.Contains(t, rec.LastError, "connection refused")
	}

	// До истечения backoff записи не отправляются
	result, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Sent)
	assert.Len(t, client.PushCalls(), 1)

	// Вторая неудача удваивает задержку
	now = now.Add(5 * time.Second)
	_, err = e.Run(ctx)
	require.Error(t, err)
	pending, err = node.store.ListByState(ctx, models.DeliveryPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.True(t, pending[0].NextAttemptAt.Equal(now.Add(10*time.Second)))
}

func TestPushEngine_DeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	change := node.write(t, "pat-1", "Rex")

	client := &AggregatorMock{
		PushFunc: func(context.Context, []api.Change) (*api.PushResponse, error) {
			return nil, &nodeapi.StatusError{StatusCode: http.StatusBadGateway, Message: "bad gateway"}
		},
	}
	// Нулевой backoff: запись снова доступна сразу
	e := newTestPushEngine(node, client, PushConfig{MaxAttempts: 3})

	for range 3 {
		_, err := e.Run(ctx)
		require.Error(t, err)
	}

	rec, err := node.store.GetChange(ctx, change.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, rec.DeliveryState)
	assert.Contains(t, rec.LastError, "gave up after 3 attempts")

	// После исчерпания попыток отправки прекращаются
	_, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, client.PushCalls(), 3)

	// Оператор возвращает запись в очередь
	require.NoError(t, node.store.RetryDeadLetter(ctx, change.SyncID))
	client.PushFunc = acceptAll
	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Acknowledged)
}

func TestPushEngine_AuthFailureRetainsQueue(t *testing.T) {
	tests := []struct {
		name      string
		wantAlert string
		status    int
	}{
		{name: "revoked token", status: http.StatusUnauthorized, wantAlert: "re-issue the auth token"},
		{name: "sync disabled", status: http.StatusForbidden, wantAlert: "refused sync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			node := setupTestNode(t, "clinic-north")
			node.writeMany(t, 3)

			client := &AggregatorMock{
				PushFunc: func(context.Context, []api.Change) (*api.PushResponse, error) {
					return nil, &nodeapi.StatusError{StatusCode: tt.status, Message: "denied"}
				},
			}

			_, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
			require.Error(t, err)
			assert.True(t, isAuthFailure(err))

			// Очередь нетронута: попытки не учтены, backoff не назначен
			pending, err := node.store.ListByState(ctx, models.DeliveryPending)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			for _, rec := range pending {
				assert.Zero(t, rec.Attempts)
				assert.True(t, rec.NextAttemptAt.IsZero())
			}

			meta, err := node.store.GetSyncMetadata(ctx)
			require.NoError(t, err)
			assert.Contains(t, meta.AuthAlert, tt.wantAlert)

			// Успешный push снимает алерт
			client.PushFunc = acceptAll
			_, err = newTestPushEngine(node, client, PushConfig{}).Run(ctx)
			require.NoError(t, err)
			meta, err = node.store.GetSyncMetadata(ctx)
			require.NoError(t, err)
			assert.Empty(t, meta.AuthAlert)
		})
	}
}

func TestPushEngine_MissingOutcomeIsRetried(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 2)

	client := &AggregatorMock{
		PushFunc: func(_ context.Context, batch []api.Change) (*api.PushResponse, error) {
			return &api.PushResponse{Outcomes: []api.Outcome{
				{SyncID: batch[0].SyncID, Result: api.ResultAccepted},
				{SyncID: "someone-else", Result: api.ResultAccepted},
			}}, nil
		},
	}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Equal(t, 1, result.Retrying)

	rec, err := node.store.GetChange(ctx, changes[1].SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, rec.DeliveryState)
	assert.Equal(t, 1, rec.Attempts)
}

func TestPushEngine_DrainsBatchesPerRun(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	node.writeMany(t, 25)

	client := &AggregatorMock{PushFunc: acceptAll}
	e := newTestPushEngine(node, client, PushConfig{BatchSize: 10, MaxBatchesPerRun: 2})

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 20, result.Acknowledged)

	result, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 5, result.Acknowledged)

	for _, batch := range client.PushCalls() {
		assert.LessOrEqual(t, len(batch), 10)
	}
}

func TestPushEngine_FIFOPerDocument(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	first := node.write(t, "pat-1", "Rex")
	second := node.write(t, "pat-1", "Rex II")

	client := &AggregatorMock{PushFunc: acceptAll}
	e := newTestPushEngine(node, client, PushConfig{})

	_, err := e.Run(ctx)
	require.NoError(t, err)

	// Обе версии документа ушли в одном батче в порядке захвата
	calls := client.PushCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, first.SyncID, calls[0][0].SyncID)
	assert.Equal(t, second.SyncID, calls[0][1].SyncID)
	assert.Less(t, calls[0][0].DocumentVersion, calls[0][1].DocumentVersion)
}

func TestPushEngine_CancelledPushReleasesBatch(t *testing.T) {
	node := setupTestNode(t, "clinic-north")
	node.writeMany(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	client := &AggregatorMock{
		PushFunc: func(ctx context.Context, _ []api.Change) (*api.PushResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}

	_, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	pending, err := node.store.ListByState(context.Background(), models.DeliveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Zero(t, pending[0].Attempts)
}

// limitedAggregator отвечает 413, если тело push превышает maxBody байт
func limitedAggregator(t *testing.T, maxBody int) *AggregatorMock {
	return &AggregatorMock{
		PushFunc: func(ctx context.Context, changes []api.Change) (*api.PushResponse, error) {
			body, err := json.Marshal(api.PushRequest{Changes: changes})
			require.NoError(t, err)
			if len(body) > maxBody {
				return nil, &nodeapi.StatusError{
					StatusCode: http.StatusRequestEntityTooLarge,
					Message:    fmt.Sprintf("request body exceeds %d bytes", maxBody),
				}
			}
			return acceptAll(ctx, changes)
		},
	}
}

func (n *testNode) writeLarge(t *testing.T, count, size int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		n.write(t, fmt.Sprintf("doc-%d", i), strings.Repeat("x", size))
	}
}

func TestPushEngine_OversizedRequestIsSplit(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	node.writeLarge(t, 100, 3<<10)

	client := limitedAggregator(t, 64<<10)
	e := newTestPushEngine(node, client, PushConfig{BatchSize: 100, MaxAttempts: 2})

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.DeadLettered)
	assert.Zero(t, result.Retrying)
	assert.Equal(t, 100, result.Acknowledged)
	assert.Positive(t, result.Splits)

	stats, err := node.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.InFlight+stats.Failed)
}

func TestPushEngine_BatchCappedBySize(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	node.writeLarge(t, 10, 3<<10)

	client := &AggregatorMock{PushFunc: acceptAll}
	e := newTestPushEngine(node, client, PushConfig{MaxBatchBytes: 10 << 10})

	result, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Acknowledged)
	assert.Zero(t, result.Splits)

	calls := client.PushCalls()
	assert.Greater(t, len(calls), 1)
	for _, batch := range calls {
		body, err := json.Marshal(api.PushRequest{Changes: batch})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(body), 10<<10)
	}

	// Отложенные по размеру записи не расходуют попытки
	stats, err := node.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.InFlight)
}

func TestPushEngine_SingleChangeTooLargeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	change := node.write(t, "pat-1", strings.Repeat("x", 8<<10))

	client := limitedAggregator(t, 4<<10)
	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	rec, err := node.store.GetChange(ctx, change.SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, rec.DeliveryState)
	assert.Contains(t, rec.LastError, "exceeds aggregator request limit")
	assert.Len(t, client.PushCalls(), 1)
}

func TestPushEngine_BadRequestIsolatesChange(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 4)
	poison := changes[2].SyncID

	client := &AggregatorMock{
		PushFunc: func(ctx context.Context, batch []api.Change) (*api.PushResponse, error) {
			for _, c := range batch {
				if c.SyncID == poison {
					return nil, &nodeapi.StatusError{StatusCode: http.StatusBadRequest, Message: "invalid request body"}
				}
			}
			return acceptAll(ctx, batch)
		},
	}

	result, err := newTestPushEngine(node, client, PushConfig{}).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, result.Acknowledged)
	assert.Equal(t, 1, result.Retrying)

	rec, err := node.store.GetChange(ctx, poison)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, rec.DeliveryState)
	assert.Equal(t, 1, rec.Attempts)

	// Соседняя запись возвращена в очередь без учета попытки
	rec, err = node.store.GetChange(ctx, changes[3].SyncID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, rec.DeliveryState)
	assert.Zero(t, rec.Attempts)
}

// failingAckQueue отказывает в MarkAcknowledged для одной записи
type failingAckQueue struct {
	*boltdb.Storage
	failSyncID string
}

func (q *failingAckQueue) MarkAcknowledged(ctx context.Context, syncID string) error {
	if syncID == q.failSyncID {
		q.failSyncID = ""
		return errors.New("disk full")
	}
	return q.Storage.MarkAcknowledged(ctx, syncID)
}

func TestPushEngine_StorageFailureReleasesRemainder(t *testing.T) {
	ctx := context.Background()
	node := setupTestNode(t, "clinic-north")
	changes := node.writeMany(t, 3)

	queue := &failingAckQueue{Storage: node.store, failSyncID: changes[1].SyncID}
	client := &AggregatorMock{PushFunc: acceptAll}
	e := NewPushEngine(client, queue, node.store, PushConfig{}, setupTestLogger())

	result, err := e.Run(ctx)
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, result.Acknowledged)

	// Необработанные записи не остаются in-flight до рестарта
	inFlight, err := node.store.ListByState(ctx, models.DeliveryInFlight)
	require.NoError(t, err)
	assert.Empty(t, inFlight)

	pending, err := node.store.ListByState(ctx, models.DeliveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, rec := range pending {
		assert.Zero(t, rec.Attempts)
	}

	result, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Acknowledged)
}
