package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/conflict"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/internal/server/storage/sqlite"
)

type trackerStub struct {
	mu    sync.Mutex
	calls map[string][]models.ContactKind
}

func (s *trackerStub) UpdateLastSeen(_ context.Context, nodeID string, kind models.ContactKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string][]models.ContactKind)
	}
	s.calls[nodeID] = append(s.calls[nodeID], kind)
	return nil
}

type notifierStub struct {
	published map[string]int64
}

func (n *notifierStub) Publish(collection string, sequence int64) {
	if n.published == nil {
		n.published = make(map[string]int64)
	}
	n.published[collection] = sequence
}

type testEnv struct {
	service  *Service
	store    *sqlite.Storage
	tracker  *trackerStub
	notifier *notifierStub
}

func setupTestService(t *testing.T, opts ...sqlite.Option) *testEnv {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store, tracker: &trackerStub{}, notifier: &notifierStub{}}
	logger := setupTestLogger()
	env.service = NewService(
		store,
		store,
		env.tracker,
		conflict.NewDetector(logger, conflict.DefaultIdentityCollections),
		env.notifier,
		logger,
		Config{},
	)
	return env
}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testNode(id string) *models.NodeRegistration {
	return &models.NodeRegistration{NodeID: id, SyncEnabled: true}
}

func change(collection, docID string, version int64, op models.Operation, payload string) *models.ChangeRecord {
	c := &models.ChangeRecord{
		SyncID:          uuid.NewString(),
		Collection:      collection,
		DocumentID:      docID,
		Operation:       op,
		DocumentVersion: version,
	}
	if payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	return c
}

func pushOne(t *testing.T, env *testEnv, node string, c *models.ChangeRecord) *models.Outcome {
	t.Helper()
	outcomes, err := env.service.Push(context.Background(), testNode(node), []*models.ChangeRecord{c})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	return outcomes[0]
}

func TestService_PushIdempotent(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	c := change("patients", "p-1", 1, models.OperationCreate, `{"name":"Ann"}`)

	first := pushOne(t, env, "clinic-a", c.Clone())
	assert.Equal(t, models.ResultAccepted, first.Result)
	assert.Positive(t, first.Sequence)

	before, err := env.store.GetEntry(ctx, "patients", "p-1")
	require.NoError(t, err)

	second := pushOne(t, env, "clinic-a", c.Clone())
	assert.Equal(t, models.ResultDuplicate, second.Result)

	after, err := env.store.GetEntry(ctx, "patients", "p-1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "canonical entry must not change on redelivery")

	latest, err := env.store.LatestSequence(ctx, "patients")
	require.NoError(t, err)
	assert.Equal(t, first.Sequence, latest, "duplicate must not append to the change log")
}

func TestService_PushIdempotentAfterNewerVersion(t *testing.T) {
	env := setupTestService(t)

	v1 := change("patients", "p-1", 1, models.OperationCreate, `{"v":1}`)
	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", v1.Clone()).Result)
	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", change("patients", "p-1", 2, models.OperationUpdate, `{"v":2}`)).Result)

	// старая запись с тем же syncId остается дубликатом, а не конфликтом
	assert.Equal(t, models.ResultDuplicate, pushOne(t, env, "clinic-a", v1.Clone()).Result)
}

func TestService_PushIdempotentBeyondAppliedWindow(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, sqlite.WithAppliedWindow(2))

	v1 := change("patients", "p-1", 1, models.OperationCreate, `{"v":1}`)
	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", v1.Clone()).Result)
	for v := int64(2); v <= 5; v++ {
		update := change("patients", "p-1", v, models.OperationUpdate, fmt.Sprintf(`{"v":%d}`, v))
		require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", update).Result)
	}

	entry, err := env.store.GetEntry(ctx, "patients", "p-1")
	require.NoError(t, err)
	require.NotContains(t, entry.AppliedSyncIDs, v1.SyncID)

	// Окно ограничивает только список в записи, журнал помнит syncId навсегда
	assert.Equal(t, models.ResultDuplicate, pushOne(t, env, "clinic-a", v1.Clone()).Result)

	entry, err = env.store.GetEntry(ctx, "patients", "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.DocumentVersion)
}

func TestService_PushMonotonicVersion(t *testing.T) {
	tests := []struct {
		name        string
		node        string
		version     int64
		wantResult  models.OutcomeResult
		wantVersion int64
		wantPayload string
	}{
		{name: "older version conflicts", node: "clinic-b", version: 4, wantResult: models.ResultConflicted, wantVersion: 5, wantPayload: `{"v":5}`},
		{name: "newer version overwrites", node: "clinic-b", version: 6, wantResult: models.ResultAccepted, wantVersion: 6, wantPayload: `{"v":6}`},
		{name: "same version from another node conflicts", node: "clinic-b", version: 5, wantResult: models.ResultConflicted, wantVersion: 5, wantPayload: `{"v":5}`},
		{name: "same version from same node is duplicate", node: "clinic-a", version: 5, wantResult: models.ResultDuplicate, wantVersion: 5, wantPayload: `{"v":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := setupTestService(t)

			require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", change("patients", "p-1", 5, models.OperationCreate, `{"v":5}`)).Result)

			payload := fmt.Sprintf(`{"v":%d}`, tt.version)
			outcome := pushOne(t, env, tt.node, change("patients", "p-1", tt.version, models.OperationUpdate, payload))
			assert.Equal(t, tt.wantResult, outcome.Result)

			entry, err := env.store.GetEntry(ctx, "patients", "p-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, entry.DocumentVersion)
			assert.JSONEq(t, tt.wantPayload, string(entry.Payload))

			if tt.wantResult == models.ResultConflicted {
				require.NotNil(t, outcome.Conflict)
				assert.Equal(t, models.ConflictConcurrentVersion, outcome.Conflict.Type)
				assert.Equal(t, models.ConflictOpen, outcome.Conflict.Status)
				require.Len(t, outcome.Conflict.CompetingVersions, 2)
				assert.Equal(t, int64(5), outcome.Conflict.CompetingVersions[0].DocumentVersion)
				assert.Equal(t, tt.version, outcome.Conflict.CompetingVersions[1].DocumentVersion)
			}
		})
	}
}

func TestService_ConflictRedeliveryReturnsSameConflict(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", change("patients", "p-1", 5, models.OperationCreate, `{}`)).Result)

	stale := change("patients", "p-1", 3, models.OperationUpdate, `{}`)
	first := pushOne(t, env, "clinic-b", stale.Clone())
	second := pushOne(t, env, "clinic-b", stale.Clone())

	require.NotNil(t, first.Conflict)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, models.ResultConflicted, second.Result)
	assert.Equal(t, first.Conflict.ID, second.Conflict.ID)

	all, err := env.store.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestService_ConflictDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	// документ 5 уже хранится в версии 9 от другого узла
	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-b", change("patients", "p-5", 9, models.OperationCreate, `{}`)).Result)

	batch := make([]*models.ChangeRecord, 0, 10)
	for i := 1; i <= 10; i++ {
		docID := fmt.Sprintf("p-%d", i)
		version := int64(1)
		if i == 5 {
			version = 2
		}
		batch = append(batch, change("patients", docID, version, models.OperationCreate, `{}`))
	}

	outcomes, err := env.service.Push(ctx, testNode("clinic-a"), batch)
	require.NoError(t, err)
	require.Len(t, outcomes, 10)

	for i, o := range outcomes {
		assert.Equal(t, batch[i].SyncID, o.SyncID, "outcomes keep request order")
		if i == 4 {
			assert.Equal(t, models.ResultConflicted, o.Result)
			continue
		}
		assert.Equal(t, models.ResultAccepted, o.Result, "record %d", i+1)
	}
}

func TestService_CrossNodeIdentity(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	keys := []string{"id:POLICY123", "name-dob:ann smith|1980-01-02"}

	a := change("patients", "a-1", 1, models.OperationCreate, `{"name":"Ann Smith"}`)
	a.IdentityKeys = keys
	outA := pushOne(t, env, "clinic-a", a)
	assert.Equal(t, models.ResultAccepted, outA.Result)
	assert.Nil(t, outA.Conflict)

	b := change("patients", "b-1", 1, models.OperationCreate, `{"name":"ANN SMITH"}`)
	b.IdentityKeys = keys
	outB := pushOne(t, env, "clinic-b", b)

	// запись не блокируется, конфликт прикладывается к accepted
	assert.Equal(t, models.ResultAccepted, outB.Result)
	require.NotNil(t, outB.Conflict)
	assert.Equal(t, models.ConflictCrossNodeIdentity, outB.Conflict.Type)
	assert.ElementsMatch(t, []string{"a-1", "b-1"}, []string{outB.Conflict.DocumentID, outB.Conflict.OtherDocumentID})

	// повторная доставка не создает второй конфликт
	assert.Equal(t, models.ResultDuplicate, pushOne(t, env, "clinic-b", b.Clone()).Result)

	conflicts, err := env.store.ListConflicts(ctx, models.ConflictOpen)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	// оба документа остаются независимо доступными, без слияния
	entryA, err := env.store.GetEntry(ctx, "patients", "a-1")
	require.NoError(t, err)
	entryB, err := env.store.GetEntry(ctx, "patients", "b-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ann Smith"}`, string(entryA.Payload))
	assert.JSONEq(t, `{"name":"ANN SMITH"}`, string(entryB.Payload))
}

func TestService_IdentityIgnoredOutsideIdentityCollections(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	a := change("invoices", "i-1", 1, models.OperationCreate, `{}`)
	a.IdentityKeys = []string{"id:X"}
	b := change("invoices", "i-2", 1, models.OperationCreate, `{}`)
	b.IdentityKeys = []string{"id:X"}

	assert.Nil(t, pushOne(t, env, "clinic-a", a).Conflict)
	assert.Nil(t, pushOne(t, env, "clinic-b", b).Conflict)

	conflicts, err := env.store.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestService_PushRejected(t *testing.T) {
	tests := []struct {
		mutate func(c *models.ChangeRecord)
		node   *models.NodeRegistration
		name   string
	}{
		{name: "invalid sync id", mutate: func(c *models.ChangeRecord) { c.SyncID = "not-a-uuid" }},
		{name: "unknown operation", mutate: func(c *models.ChangeRecord) { c.Operation = "merge" }},
		{name: "zero version", mutate: func(c *models.ChangeRecord) { c.DocumentVersion = 0 }},
		{name: "missing payload", mutate: func(c *models.ChangeRecord) { c.Payload = nil }},
		{name: "payload is not json", mutate: func(c *models.ChangeRecord) { c.Payload = json.RawMessage("{oops") }},
		{
			name:   "collection not synced",
			mutate: func(*models.ChangeRecord) {},
			node:   &models.NodeRegistration{NodeID: "clinic-a", SyncEnabled: true, SyncedCollections: []string{"invoices"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := setupTestService(t)

			bad := change("patients", "p-1", 1, models.OperationCreate, `{}`)
			tt.mutate(bad)
			good := change("patients", "p-2", 1, models.OperationCreate, `{}`)

			node := tt.node
			if node == nil {
				node = testNode("clinic-a")
			}
			if !node.Syncs("patients") {
				good.Collection = "invoices"
			}

			outcomes, err := env.service.Push(ctx, node, []*models.ChangeRecord{bad, good})
			require.NoError(t, err)
			require.Len(t, outcomes, 2)

			assert.Equal(t, models.ResultRejected, outcomes[0].Result)
			assert.NotEmpty(t, outcomes[0].Reason)
			assert.Equal(t, models.ResultAccepted, outcomes[1].Result)

			_, err = env.store.GetEntry(ctx, "patients", "p-1")
			assert.ErrorIs(t, err, storage.ErrEntryNotFound)
		})
	}
}

func TestService_SyncDisabled(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	node := &models.NodeRegistration{NodeID: "clinic-a"}

	_, err := env.service.Push(ctx, node, []*models.ChangeRecord{change("patients", "p-1", 1, models.OperationCreate, `{}`)})
	assert.ErrorIs(t, err, ErrSyncDisabled)

	_, err = env.service.Pull(ctx, node, "patients", 0, 0)
	assert.ErrorIs(t, err, ErrSyncDisabled)
}

func TestService_PushTracksContactAndNotifies(t *testing.T) {
	env := setupTestService(t)

	outcomes, err := env.service.Push(context.Background(), testNode("clinic-a"), []*models.ChangeRecord{
		change("patients", "p-1", 1, models.OperationCreate, `{}`),
		change("patients", "p-2", 1, models.OperationCreate, `{}`),
		change("visits", "v-1", 1, models.OperationCreate, `{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []models.ContactKind{models.ContactPush}, env.tracker.calls["clinic-a"])
	assert.Equal(t, outcomes[1].Sequence, env.notifier.published["patients"])
	assert.Equal(t, outcomes[2].Sequence, env.notifier.published["visits"])
}

func TestService_Tombstone(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", change("patients", "p-1", 1, models.OperationCreate, `{}`)).Result)
	require.Equal(t, models.ResultAccepted, pushOne(t, env, "clinic-a", change("patients", "p-1", 2, models.OperationDelete, "")).Result)

	entry, err := env.store.GetEntry(ctx, "patients", "p-1")
	require.NoError(t, err)
	assert.True(t, entry.Tombstone())

	page, err := env.service.Pull(ctx, testNode("clinic-b"), "patients", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Deltas, 2)
	assert.Equal(t, models.OperationDelete, page.Deltas[1].Operation)
}

func TestService_Pull(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	var seqs []int64
	for i := 0; i < 5; i++ {
		o := pushOne(t, env, "clinic-a", change("patients", uuid.NewString(), 1, models.OperationCreate, `{}`))
		seqs = append(seqs, o.Sequence)
	}
	pushOne(t, env, "clinic-a", change("visits", "v-1", 1, models.OperationCreate, `{}`))

	page, err := env.service.Pull(ctx, testNode("clinic-b"), "patients", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Deltas, 2)
	assert.Equal(t, seqs[1], page.NextCursor, "cursor equals the last delta sequence")
	assert.Equal(t, "clinic-a", page.Deltas[0].SourceNodeID)

	page, err = env.service.Pull(ctx, testNode("clinic-b"), "patients", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Deltas, 3)
	for _, d := range page.Deltas {
		assert.Equal(t, "patients", d.Collection)
	}
	assert.Equal(t, seqs[4], page.NextCursor)

	empty, err := env.service.Pull(ctx, testNode("clinic-b"), "patients", page.NextCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Deltas)
	assert.Equal(t, page.NextCursor, empty.NextCursor, "empty page keeps the cursor")

	// курсор агрегатора подтверждает since последнего запроса
	cursor, err := env.store.GetCursor(ctx, "clinic-b", "patients")
	require.NoError(t, err)
	assert.Equal(t, seqs[4], cursor.LastSequenceDelivered)
	assert.Contains(t, env.tracker.calls["clinic-b"], models.ContactPull)
}

func TestService_PullValidation(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	_, err := env.service.Pull(ctx, testNode("clinic-a"), "Bad Name", 0, 0)
	assert.Error(t, err)

	limited := &models.NodeRegistration{NodeID: "clinic-a", SyncEnabled: true, SyncedCollections: []string{"visits"}}
	_, err = env.service.Pull(ctx, limited, "patients", 0, 0)
	assert.ErrorIs(t, err, ErrCollectionNotSynced)
}

func TestService_ConcurrentPushSameDocument(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	// оба узла создают версию 1 одного документа: применяется ровно одна
	var wg sync.WaitGroup
	results := make([]models.OutcomeResult, 2)
	for i, node := range []string{"clinic-a", "clinic-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes, err := env.service.Push(ctx, testNode(node), []*models.ChangeRecord{
				change("patients", "shared", 1, models.OperationCreate, `{}`),
			})
			if assert.NoError(t, err) {
				results[i] = outcomes[0].Result
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []models.OutcomeResult{models.ResultAccepted, models.ResultConflicted}, results)
}
