package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ams/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupTestSQLite creates a test SQLite database
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err, "Failed to create SQLite database")
	require.NotNil(t, sqlite.WriteDB)
	require.NotNil(t, sqlite.ReadDB)
	t.Cleanup(func() { _ = sqlite.Close() })
	return sqlite
}

// withTx runs fn in a committed write transaction
func withTx(t *testing.T, db *SQLite, fn func(tx *sql.Tx)) {
	t.Helper()
	require.NoError(t, db.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		fn(tx)
		return nil
	}))
}

func seedReference(t *testing.T, db *SQLite, refs *ReferenceStorage, kind core.ReferenceKind, value string, cacheSeconds *int) core.ReferenceValue {
	t.Helper()
	var ref core.ReferenceValue
	withTx(t, db, func(tx *sql.Tx) {
		var err error
		ref, _, err = refs.Create(context.Background(), tx, kind, core.ReferenceCreate{Value: value, CacheSeconds: cacheSeconds})
		require.NoError(t, err)
	})
	return ref
}

func TestNewSQLite_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	assert.Equal(t, dbPath, sqlite.Path)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	var fk int
	require.NoError(t, sqlite.WriteDB.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
	assert.NoError(t, sqlite.HealthCheck(context.Background()))
}

func TestNewSQLite_RejectsTraversal(t *testing.T) {
	_, err := NewSQLite("../outside.db", zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestSQLite_ReadPoolIsQueryOnly(t *testing.T) {
	db := setupTestSQLite(t)

	_, err := db.ReadDB.Exec(`INSERT INTO users (uuid, username, display_name) VALUES (?, ?, ?)`, uuid.New(), "x", "x")
	assert.Error(t, err, "read pool must reject writes")
}

func TestSQLite_CreateTables_Idempotent(t *testing.T) {
	db := setupTestSQLite(t)
	require.NoError(t, db.createTables())

	for _, table := range []string{"nodes", "submissions", "analyses", "observables", "submission_history", "comment_history"} {
		var name string
		err := db.ReadDB.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestSQLite_Transaction_RollbackOnError(t *testing.T) {
	db := setupTestSQLite(t)
	nodes := NewNodeStorage(db, zap.NewNop().Sugar())
	ctx := context.Background()
	id := uuid.New()

	boom := errors.New("boom")
	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := nodes.Register(ctx, tx, id, core.NodeTypeEvent)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, _, err = nodes.Lookup(ctx, db.ReadDB, id)
	assert.ErrorIs(t, err, core.ErrUUIDNotFound)
}

func TestWithSavepoint_RollsBackOnlyNestedWork(t *testing.T) {
	db := setupTestSQLite(t)
	nodes := NewNodeStorage(db, zap.NewNop().Sugar())
	ctx := context.Background()
	outer, inner := uuid.New(), uuid.New()

	withTx(t, db, func(tx *sql.Tx) {
		_, err := nodes.Register(ctx, tx, outer, core.NodeTypeEvent)
		require.NoError(t, err)

		err = WithSavepoint(ctx, tx, "nested", func() error {
			if _, err := nodes.Register(ctx, tx, inner, core.NodeTypeEvent); err != nil {
				return err
			}
			_, err := nodes.Register(ctx, tx, outer, core.NodeTypeEvent)
			return err
		})
		require.ErrorIs(t, err, ErrConstraintViolation)
	})

	_, _, err := nodes.Lookup(ctx, db.ReadDB, outer)
	assert.NoError(t, err, "outer work survives")
	_, _, err = nodes.Lookup(ctx, db.ReadDB, inner)
	assert.ErrorIs(t, err, core.ErrUUIDNotFound, "nested work is rolled back")
}

func TestNodeStorage_VersionLifecycle(t *testing.T) {
	db := setupTestSQLite(t)
	nodes := NewNodeStorage(db, zap.NewNop().Sugar())
	ctx := context.Background()
	id := uuid.New()

	var v1, v2 uuid.UUID
	withTx(t, db, func(tx *sql.Tx) {
		var err error
		v1, err = nodes.Register(ctx, tx, id, core.NodeTypeObservable)
		require.NoError(t, err)
		v2, err = nodes.Bump(ctx, tx, id)
		require.NoError(t, err)
	})
	assert.NotEqual(t, v1, v2)

	got, err := nodes.CheckVersion(ctx, db.ReadDB, core.NodeTypeObservable, id, &v2)
	require.NoError(t, err)
	assert.Equal(t, v2, got)

	_, err = nodes.CheckVersion(ctx, db.ReadDB, core.NodeTypeObservable, id, &v1)
	assert.ErrorIs(t, err, core.ErrVersionMismatch)

	_, err = nodes.CheckVersion(ctx, db.ReadDB, core.NodeTypeSubmission, id, nil)
	assert.ErrorIs(t, err, core.ErrUUIDNotFound, "wrong node type reads as missing")
}

func TestHistoryStorage_OrderedByActionTime(t *testing.T) {
	db := setupTestSQLite(t)
	history := NewHistoryStorage(db, zap.NewNop().Sugar())
	ctx := context.Background()
	id := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	field := "name"

	withTx(t, db, func(tx *sql.Tx) {
		// Written out of order; the later action_time must come last.
		require.NoError(t, history.Append(ctx, tx, core.NodeTypeEvent, &core.HistoryRecord{
			UUID: uuid.New(), RecordUUID: id, Action: core.HistoryActionUpdate, ActionBy: "alice",
			ActionTime: base.Add(time.Minute), Field: &field,
			Diff:     &core.Diff{OldValue: "a", NewValue: "b"},
			Snapshot: []byte(`{"name":"b"}`),
		}))
		require.NoError(t, history.Append(ctx, tx, core.NodeTypeEvent, &core.HistoryRecord{
			UUID: uuid.New(), RecordUUID: id, Action: core.HistoryActionCreate, ActionBy: "alice",
			ActionTime: base, Snapshot: []byte(`{"name":"a"}`),
		}))
	})

	records, err := history.List(ctx, db.ReadDB, core.NodeTypeEvent, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.HistoryActionCreate, records[0].Action)
	assert.Nil(t, records[0].Diff)
	assert.Equal(t, core.HistoryActionUpdate, records[1].Action)
	require.NotNil(t, records[1].Diff)
	assert.Equal(t, "b", records[1].Diff.NewValue)
	assert.Equal(t, base.Add(time.Minute), records[1].ActionTime)
}

func TestHistoryStorage_RelationshipsHaveNoTable(t *testing.T) {
	db := setupTestSQLite(t)
	history := NewHistoryStorage(db, zap.NewNop().Sugar())

	_, err := history.List(context.Background(), db.ReadDB, core.NodeTypeRelationship, uuid.New())
	assert.ErrorIs(t, err, core.ErrInvalidField)
}

func TestReferenceStorage_CreateIsIdempotent(t *testing.T) {
	db := setupTestSQLite(t)
	refs, err := NewReferenceStorage(db, zap.NewNop().Sugar(), 16)
	require.NoError(t, err)

	first := seedReference(t, db, refs, core.ReferenceTag, "phish", nil)
	var second core.ReferenceValue
	var created bool
	withTx(t, db, func(tx *sql.Tx) {
		second, created, err = refs.Create(context.Background(), tx, core.ReferenceTag, core.ReferenceCreate{Value: "phish"})
		require.NoError(t, err)
	})
	assert.False(t, created)
	assert.Equal(t, first.UUID, second.UUID)

	all, err := refs.List(context.Background(), db.ReadDB, core.ReferenceTag)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReferenceStorage_ResolveNamesEveryMissingValue(t *testing.T) {
	db := setupTestSQLite(t)
	refs, err := NewReferenceStorage(db, zap.NewNop().Sugar(), 16)
	require.NoError(t, err)
	seedReference(t, db, refs, core.ReferenceTag, "a", nil)

	_, err = refs.Resolve(context.Background(), db.ReadDB, core.ReferenceTag, []string{"a", "x", "y"})
	require.ErrorIs(t, err, core.ErrValueNotFound)
	assert.Contains(t, err.Error(), "x, y")

	got, err := refs.Resolve(context.Background(), db.ReadDB, core.ReferenceTag, []string{"a", "a"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReferenceStorage_RankConflictKeepsOuterTransaction(t *testing.T) {
	db := setupTestSQLite(t)
	refs, err := NewReferenceStorage(db, zap.NewNop().Sugar(), 16)
	require.NoError(t, err)
	ctx := context.Background()
	one, two := 1, 2

	var fp, tp core.ReferenceValue
	withTx(t, db, func(tx *sql.Tx) {
		fp, _, err = refs.Create(ctx, tx, core.ReferenceDisposition, core.ReferenceCreate{Value: "FALSE_POSITIVE", Rank: &one})
		require.NoError(t, err)
		tp, _, err = refs.Create(ctx, tx, core.ReferenceDisposition, core.ReferenceCreate{Value: "TRUE_POSITIVE", Rank: &two})
		require.NoError(t, err)
	})

	withTx(t, db, func(tx *sql.Tx) {
		ok, err := refs.Update(ctx, tx, core.ReferenceDisposition, fp.UUID, core.ReferenceUpdate{Description: core.Set("benign")})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = refs.Update(ctx, tx, core.ReferenceDisposition, tp.UUID, core.ReferenceUpdate{Rank: core.Set(1)})
		require.NoError(t, err)
		assert.False(t, ok, "rank collision is a false return, not an error")
	})

	got, err := refs.Get(ctx, db.ReadDB, core.ReferenceDisposition, fp.UUID)
	require.NoError(t, err)
	require.NotNil(t, got.Description)
	assert.Equal(t, "benign", *got.Description, "earlier change in the same transaction survives")

	got, err = refs.Get(ctx, db.ReadDB, core.ReferenceDisposition, tp.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.Rank)
}

func TestReferenceStorage_UpdateEvictsCache(t *testing.T) {
	db := setupTestSQLite(t)
	refs, err := NewReferenceStorage(db, zap.NewNop().Sugar(), 16)
	require.NoError(t, err)
	ctx := context.Background()
	ref := seedReference(t, db, refs, core.ReferenceQueue, "default", nil)

	_, err = refs.ResolveOne(ctx, db.ReadDB, core.ReferenceQueue, "default")
	require.NoError(t, err)

	withTx(t, db, func(tx *sql.Tx) {
		ok, err := refs.Update(ctx, tx, core.ReferenceQueue, ref.UUID, core.ReferenceUpdate{Value: core.Set("triage")})
		require.NoError(t, err)
		require.True(t, ok)
	})

	_, err = refs.ResolveOne(ctx, db.ReadDB, core.ReferenceQueue, "default")
	assert.ErrorIs(t, err, core.ErrValueNotFound)
}

func TestAnalysisStorage_CacheGateRejectsOverlap(t *testing.T) {
	db := setupTestSQLite(t)
	logger := zap.NewNop().Sugar()
	refs, err := NewReferenceStorage(db, logger, 16)
	require.NoError(t, err)
	nodes := NewNodeStorage(db, logger)
	observables := NewObservableStorage(db, logger)
	analyses := NewAnalysisStorage(db, logger)
	ctx := context.Background()

	cache := 300
	module := seedReference(t, db, refs, core.ReferenceAnalysisModuleType, "IP Lookup", &cache)
	ipv4 := seedReference(t, db, refs, core.ReferenceObservableType, "ipv4", nil)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	target := &core.Observable{UUID: uuid.New(), Type: "ipv4", Value: "127.0.0.1", Time: start}
	first := &core.Analysis{UUID: uuid.New(), TargetUUID: &target.UUID, RunTime: start,
		CachedDuring: core.CacheRange(start, &cache)}
	withTx(t, db, func(tx *sql.Tx) {
		_, err := nodes.Register(ctx, tx, target.UUID, core.NodeTypeObservable)
		require.NoError(t, err)
		require.NoError(t, observables.Insert(ctx, tx, target, ipv4.UUID))
		_, err = nodes.Register(ctx, tx, first.UUID, core.NodeTypeAnalysis)
		require.NoError(t, err)
		require.NoError(t, analyses.Insert(ctx, tx, first, &module.UUID))
	})

	overlapping := &core.Analysis{UUID: uuid.New(), TargetUUID: &target.UUID, RunTime: start.Add(time.Minute),
		CachedDuring: core.CacheRange(start.Add(time.Minute), &cache)}
	withTx(t, db, func(tx *sql.Tx) {
		err := WithSavepoint(ctx, tx, "analysis_create", func() error {
			if _, err := nodes.Register(ctx, tx, overlapping.UUID, core.NodeTypeAnalysis); err != nil {
				return err
			}
			return analyses.Insert(ctx, tx, overlapping, &module.UUID)
		})
		require.ErrorIs(t, err, ErrCacheOverlap)

		existing, err := analyses.FindOverlapping(ctx, tx, module.UUID, target.UUID, *overlapping.CachedDuring)
		require.NoError(t, err)
		assert.Equal(t, first.UUID, existing.UUID)
	})

	// Half-open: a run starting exactly at the previous end is allowed.
	adjacent := &core.Analysis{UUID: uuid.New(), TargetUUID: &target.UUID, RunTime: first.CachedDuring.End,
		CachedDuring: core.CacheRange(first.CachedDuring.End, &cache)}
	withTx(t, db, func(tx *sql.Tx) {
		_, err := nodes.Register(ctx, tx, adjacent.UUID, core.NodeTypeAnalysis)
		require.NoError(t, err)
		require.NoError(t, analyses.Insert(ctx, tx, adjacent, &module.UUID))
	})

	cached, ok, err := analyses.FindCached(ctx, db.ReadDB, "IP Lookup", target.UUID, start.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.UUID, cached.UUID)

	_, ok, err = analyses.FindCached(ctx, db.ReadDB, "IP Lookup", target.UUID, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestObservableStorage_TypeValueIsUnique(t *testing.T) {
	db := setupTestSQLite(t)
	logger := zap.NewNop().Sugar()
	refs, err := NewReferenceStorage(db, logger, 16)
	require.NoError(t, err)
	nodes := NewNodeStorage(db, logger)
	observables := NewObservableStorage(db, logger)
	ctx := context.Background()
	ipv4 := seedReference(t, db, refs, core.ReferenceObservableType, "ipv4", nil)

	first := &core.Observable{UUID: uuid.New(), Type: "ipv4", Value: "10.0.0.1", Time: time.Now()}
	withTx(t, db, func(tx *sql.Tx) {
		_, err := nodes.Register(ctx, tx, first.UUID, core.NodeTypeObservable)
		require.NoError(t, err)
		require.NoError(t, observables.Insert(ctx, tx, first, ipv4.UUID))
	})

	dup := &core.Observable{UUID: uuid.New(), Type: "ipv4", Value: "10.0.0.1", Time: time.Now()}
	withTx(t, db, func(tx *sql.Tx) {
		err := WithSavepoint(ctx, tx, "observable_create", func() error {
			if _, err := nodes.Register(ctx, tx, dup.UUID, core.NodeTypeObservable); err != nil {
				return err
			}
			return observables.Insert(ctx, tx, dup, ipv4.UUID)
		})
		require.ErrorIs(t, err, ErrConstraintViolation)
	})

	found, err := observables.FindByTypeValue(ctx, db.ReadDB, "ipv4", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, first.UUID, found.UUID)

	_, _, err = nodes.Lookup(ctx, db.ReadDB, dup.UUID)
	assert.ErrorIs(t, err, core.ErrUUIDNotFound, "rejected duplicate leaves no node row")
}

func TestUserStorage_CreateIsIdempotent(t *testing.T) {
	db := setupTestSQLite(t)
	users := NewSQLiteUserStorage(db, zap.NewNop().Sugar())
	ctx := context.Background()

	var first, second core.User
	withTx(t, db, func(tx *sql.Tx) {
		var created bool
		var err error
		first, created, err = users.CreateUser(ctx, tx, core.UserCreate{Username: "alice", DisplayName: "Alice"})
		require.NoError(t, err)
		assert.True(t, created)
		second, created, err = users.CreateUser(ctx, tx, core.UserCreate{Username: "alice", DisplayName: "Other"})
		require.NoError(t, err)
		assert.False(t, created)
	})
	assert.Equal(t, first.UUID, second.UUID)

	_, err := users.GetUserByUsername(ctx, db.ReadDB, "bob")
	assert.ErrorIs(t, err, core.ErrValueNotFound)
}
