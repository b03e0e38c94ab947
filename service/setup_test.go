package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"ams/core"
	"ams/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	*Services
	clock *core.FixedClock
	cache *core.TreeCache
	redis *miniredis.Miniredis
}

// setupTestServices wires every service over a fresh database and a miniredis tree cache.
// The clock advances one second per read so ledger order follows call order.
func setupTestServices(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores, err := NewStores(db, 128, logger)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cache := core.NewTreeCache(mr.Addr(), "", 0, 5, time.Minute, logger)
	t.Cleanup(func() { _ = cache.Close() })

	clock := core.NewFixedClock(testEpoch, time.Second)
	env := &testEnv{
		Services: NewServices(stores, clock, cache, logger),
		clock:    clock,
		cache:    cache,
		redis:    mr,
	}
	env.seed(t)
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"analyst", "alice", "bob"} {
		_, _, err := e.References.CreateUser(ctx, core.UserCreate{Username: name})
		require.NoError(t, err)
	}
	cacheSeconds := 300
	seeds := []struct {
		kind core.ReferenceKind
		in   core.ReferenceCreate
	}{
		{core.ReferenceQueue, core.ReferenceCreate{Value: "default"}},
		{core.ReferenceQueue, core.ReferenceCreate{Value: "intel"}},
		{core.ReferenceSubmissionType, core.ReferenceCreate{Value: "manual"}},
		{core.ReferenceObservableType, core.ReferenceCreate{Value: "ipv4"}},
		{core.ReferenceObservableType, core.ReferenceCreate{Value: "fqdn"}},
		{core.ReferenceObservableType, core.ReferenceCreate{Value: "url"}},
		{core.ReferenceAnalysisModuleType, core.ReferenceCreate{Value: "IP Lookup"}},
		{core.ReferenceAnalysisModuleType, core.ReferenceCreate{Value: "DNS Resolve", CacheSeconds: &cacheSeconds}},
		{core.ReferenceDisposition, core.ReferenceCreate{Value: "FALSE_POSITIVE", Rank: intPtr(1)}},
		{core.ReferenceDisposition, core.ReferenceCreate{Value: "DELIVERY", Rank: intPtr(2)}},
		{core.ReferenceTag, core.ReferenceCreate{Value: "a"}},
		{core.ReferenceTag, core.ReferenceCreate{Value: "b"}},
		{core.ReferenceTag, core.ReferenceCreate{Value: "c"}},
		{core.ReferenceTag, core.ReferenceCreate{Value: "d"}},
		{core.ReferenceThreat, core.ReferenceCreate{Value: "phish"}},
		{core.ReferenceThreatActor, core.ReferenceCreate{Value: "apt1"}},
		{core.ReferenceDirective, core.ReferenceCreate{Value: "sandbox"}},
		{core.ReferenceRelationshipType, core.ReferenceCreate{Value: "IS_EQUAL"}},
	}
	for _, s := range seeds {
		_, _, err := e.References.Create(ctx, s.kind, s.in)
		require.NoError(t, err)
	}
}

func meta(username string) core.HistoryMeta {
	return core.HistoryMeta{HistoryUsername: username}
}

func intPtr(i int) *int { return &i }

func strPtr(s string) *string { return &s }

func (e *testEnv) createSubmission(t *testing.T, observables ...core.ObservableCreate) *core.Submission {
	t.Helper()
	sub, err := e.Submissions.Create(context.Background(), core.SubmissionCreate{
		Name:        strPtr("test submission"),
		Queue:       "default",
		Type:        "manual",
		Observables: observables,
		HistoryMeta: meta("analyst"),
	})
	require.NoError(t, err)
	return sub
}

func (e *testEnv) createObservable(t *testing.T, typ, value string, parent *uuid.UUID) *core.Observable {
	t.Helper()
	obs, _, err := e.Observables.Create(context.Background(), core.ObservableCreate{
		Type:               typ,
		Value:              value,
		ParentAnalysisUUID: parent,
		HistoryMeta:        meta("analyst"),
	})
	require.NoError(t, err)
	return obs
}

func (e *testEnv) createAnalysis(t *testing.T, submission uuid.UUID, module string, target uuid.UUID) *core.Analysis {
	t.Helper()
	a, _, err := e.Analyses.Create(context.Background(), core.AnalysisCreate{
		SubmissionUUID:     submission,
		AnalysisModuleType: module,
		TargetUUID:         target,
		HistoryMeta:        meta("analyst"),
	})
	require.NoError(t, err)
	return a
}

func (e *testEnv) version(t *testing.T, id uuid.UUID) uuid.UUID {
	t.Helper()
	_, v, err := e.Stores.Nodes.Lookup(context.Background(), e.Stores.DB.ReadDB, id)
	require.NoError(t, err)
	return v
}

// snapshotOf decodes a history snapshot into a generic map
func snapshotOf(t *testing.T, r core.HistoryRecord) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.Snapshot, &out))
	return out
}

func updates(records []core.HistoryRecord) []core.HistoryRecord {
	var out []core.HistoryRecord
	for _, r := range records {
		if r.Action == core.HistoryActionUpdate {
			out = append(out, r)
		}
	}
	return out
}
