package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/node/capture"
	"github.com/iudanet/clinicsync/internal/node/storage/boltdb"
	"github.com/iudanet/clinicsync/pkg/api"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// AggregatorMock mock реализации Aggregator с записью вызовов
type AggregatorMock struct {
	PushFunc      func(ctx context.Context, changes []api.Change) (*api.PushResponse, error)
	PullFunc      func(ctx context.Context, collection string, since int64, limit int) (*api.PullResponse, error)
	ConfigFunc    func(ctx context.Context) (*api.NodeConfigResponse, error)
	ConflictsFunc func(ctx context.Context, ids []string) ([]api.Conflict, error)

	calls struct {
		Push []struct {
			Changes []api.Change
		}
		Pull []struct {
			Collection string
			Since      int64
			Limit      int
		}
		Config    int
		Conflicts [][]string
	}
	mu sync.Mutex
}

func (m *AggregatorMock) Push(ctx context.Context, changes []api.Change) (*api.PushResponse, error) {
	m.mu.Lock()
	m.calls.Push = append(m.calls.Push, struct{ Changes []api.Change }{Changes: changes})
	m.mu.Unlock()
	return m.PushFunc(ctx, changes)
}

func (m *AggregatorMock) Pull(ctx context.Context, collection string, since int64, limit int) (*api.PullResponse, error) {
	m.mu.Lock()
	m.calls.Pull = append(m.calls.Pull, struct {
		Collection string
		Since      int64
		Limit      int
	}{Collection: collection, Since: since, Limit: limit})
	m.mu.Unlock()
	return m.PullFunc(ctx, collection, since, limit)
}

func (m *AggregatorMock) Config(ctx context.Context) (*api.NodeConfigResponse, error) {
	m.mu.Lock()
	m.calls.Config++
	m.mu.Unlock()
	return m.ConfigFunc(ctx)
}

func (m *AggregatorMock) Conflicts(ctx context.Context, ids []string) ([]api.Conflict, error) {
	m.mu.Lock()
	m.calls.Conflicts = append(m.calls.Conflicts, ids)
	m.mu.Unlock()
	if m.ConflictsFunc == nil {
		return nil, nil
	}
	return m.ConflictsFunc(ctx, ids)
}

// PushCalls возвращает батчи, отправленные через Push
func (m *AggregatorMock) PushCalls() [][]api.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]api.Change, 0, len(m.calls.Push))
	for _, c := range m.calls.Push {
		out = append(out, c.Changes)
	}
	return out
}

// PullSinces возвращает значения since всех вызовов Pull
func (m *AggregatorMock) PullSinces() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.calls.Pull))
	for _, c := range m.calls.Pull {
		out = append(out, c.Since)
	}
	return out
}

// acceptAll отвечает accepted на каждую запись батча
func acceptAll(_ context.Context, changes []api.Change) (*api.PushResponse, error) {
	resp := &api.PushResponse{Outcomes: make([]api.Outcome, 0, len(changes))}
	for _, c := range changes {
		resp.Outcomes = append(resp.Outcomes, api.Outcome{SyncID: c.SyncID, Result: api.ResultAccepted})
	}
	return resp, nil
}

// testNode хранилище узла и Change Capture Hook поверх него
type testNode struct {
	store *boltdb.Storage
	hook  *capture.Hook
	id    string
}

func setupTestNode(t *testing.T, nodeID string) *testNode {
	t.Helper()

	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), nodeID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testNode{
		id:    nodeID,
		store: store,
		hook:  capture.NewHook(store, nodeID, setupTestLogger()),
	}
}

// write фиксирует доменную запись пациента через Change Capture Hook
func (n *testNode) write(t *testing.T, docID, name string) *models.ChangeRecord {
	t.Helper()

	op := models.OperationUpdate
	if _, err := n.store.GetDocument(context.Background(), "patients", docID); err != nil {
		op = models.OperationCreate
	}
	payload, err := json.Marshal(map[string]string{"name": name})
	require.NoError(t, err)

	change, err := n.hook.Capture(context.Background(), models.DocumentWrite{
		Collection: "patients",
		DocumentID: docID,
		Operation:  op,
		Payload:    payload,
	})
	require.NoError(t, err)
	return change
}

// writeMany фиксирует n записей в разные документы doc-1..doc-n
func (n *testNode) writeMany(t *testing.T, count int) []*models.ChangeRecord {
	t.Helper()
	out := make([]*models.ChangeRecord, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, n.write(t, fmt.Sprintf("doc-%d", i), fmt.Sprintf("patient %d", i)))
	}
	return out
}
