package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalysisStorage persists analyses, their child observable edges and the cache gate ranges
type AnalysisStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewAnalysisStorage creates a new analysis storage handler
func NewAnalysisStorage(db *SQLite, logger *zap.SugaredLogger) *AnalysisStorage {
	return &AnalysisStorage{db: db, logger: logger}
}

const analysisSelect = `SELECT a.uuid, n.version, m.value, a.target_uuid, a.run_time, a.cached_start, a.cached_end,
	a.summary, a.error_message, a.stack_trace, %s
	FROM analyses a
	JOIN nodes n ON n.uuid = a.uuid
	LEFT JOIN reference_values m ON m.uuid = a.module_type_uuid`

func analysisQuery(withDetails bool) string {
	if withDetails {
		return fmt.Sprintf(analysisSelect, "a.details")
	}
	return fmt.Sprintf(analysisSelect, "NULL")
}

func scanAnalysis(row interface{ Scan(...any) error }) (core.Analysis, error) {
	var (
		a           core.Analysis
		moduleType  sql.NullString
		target      uuid.NullUUID
		runTime     int64
		cachedStart sql.NullInt64
		cachedEnd   sql.NullInt64
		summary     sql.NullString
		errMsg      sql.NullString
		stackTrace  sql.NullString
		details     sql.NullString
	)
	if err := row.Scan(&a.UUID, &a.Version, &moduleType, &target, &runTime, &cachedStart, &cachedEnd,
		&summary, &errMsg, &stackTrace, &details); err != nil {
		return core.Analysis{}, err
	}
	a.AnalysisModuleType = fromNullString(moduleType)
	a.TargetUUID = fromNullUUID(target)
	a.RunTime = fromNanos(runTime)
	if cachedStart.Valid && cachedEnd.Valid {
		a.CachedDuring = &core.TimeRange{Start: fromNanos(cachedStart.Int64), End: fromNanos(cachedEnd.Int64)}
	}
	a.Summary = fromNullString(summary)
	a.ErrorMessage = fromNullString(errMsg)
	a.StackTrace = fromNullString(stackTrace)
	if details.Valid {
		a.Details = json.RawMessage(details.String)
	}
	return a, nil
}

func nullDetails(d json.RawMessage) sql.NullString {
	if len(d) == 0 || string(d) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(d), Valid: true}
}

// Insert writes the analysis row. The node must already be registered.
// A rejection by the cache gate trigger is returned as ErrCacheOverlap.
func (s *AnalysisStorage) Insert(ctx context.Context, q Querier, a *core.Analysis, moduleTypeUUID *uuid.UUID) error {
	var start, end sql.NullInt64
	if a.CachedDuring != nil {
		start = sql.NullInt64{Int64: toNanos(a.CachedDuring.Start), Valid: true}
		end = sql.NullInt64{Int64: toNanos(a.CachedDuring.End), Valid: true}
	}
	_, err := q.ExecContext(ctx, `INSERT INTO analyses
		(uuid, module_type_uuid, target_uuid, run_time, cached_start, cached_end, details, summary, error_message, stack_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, nullUUID(moduleTypeUUID), nullUUID(a.TargetUUID), toNanos(a.RunTime), start, end,
		nullDetails(a.Details), nullString(a.Summary), nullString(a.ErrorMessage), nullString(a.StackTrace))
	if err != nil {
		if IsCacheOverlap(err) {
			return fmt.Errorf("%w: analysis %s", ErrCacheOverlap, a.UUID)
		}
		return fmt.Errorf("failed to insert analysis %s: %w", a.UUID, err)
	}
	return nil
}

// Save writes the mutable result columns of a
func (s *AnalysisStorage) Save(ctx context.Context, q Querier, a *core.Analysis) error {
	_, err := q.ExecContext(ctx, `UPDATE analyses SET summary = ?, error_message = ?, stack_trace = ?, details = ? WHERE uuid = ?`,
		nullString(a.Summary), nullString(a.ErrorMessage), nullString(a.StackTrace), nullDetails(a.Details), a.UUID)
	if err != nil {
		return fmt.Errorf("failed to save analysis %s: %w", a.UUID, err)
	}
	return nil
}

// Get returns an analysis with its child observable uuids. Details are only read when
// withDetails is set.
func (s *AnalysisStorage) Get(ctx context.Context, q Querier, id uuid.UUID, withDetails bool) (*core.Analysis, error) {
	a, err := scanAnalysis(q.QueryRowContext(ctx, analysisQuery(withDetails)+` WHERE a.uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("analysis", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %s: %w", id, err)
	}
	edges, err := s.ChildEdges(ctx, q, id)
	if err != nil {
		return nil, err
	}
	a.ChildObservableUUIDs = make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		a.ChildObservableUUIDs = append(a.ChildObservableUUIDs, e.ObservableUUID)
	}
	return &a, nil
}

// FindCached returns the analysis of moduleType against target whose cache range covers at
func (s *AnalysisStorage) FindCached(ctx context.Context, q Querier, moduleType string, target uuid.UUID, at time.Time) (*core.Analysis, bool, error) {
	var id uuid.UUID
	err := q.QueryRowContext(ctx, `SELECT a.uuid FROM analyses a
		JOIN reference_values m ON m.uuid = a.module_type_uuid
		WHERE m.kind = 'analysis_module_type' AND m.value = ? AND a.target_uuid = ?
		  AND a.cached_start <= ? AND ? < a.cached_end
		ORDER BY a.cached_start DESC LIMIT 1`,
		moduleType, target, toNanos(at), toNanos(at)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query cached %s analysis of %s: %w", moduleType, target, err)
	}
	a, err := s.Get(ctx, q, id, false)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// FindOverlapping returns the cached analysis whose range overlaps r, the row that made
// the cache gate reject an insert.
func (s *AnalysisStorage) FindOverlapping(ctx context.Context, q Querier, moduleTypeUUID, target uuid.UUID, r core.TimeRange) (*core.Analysis, error) {
	var id uuid.UUID
	err := q.QueryRowContext(ctx, `SELECT uuid FROM analyses
		WHERE module_type_uuid = ? AND target_uuid = ?
		  AND cached_start < ? AND ? < cached_end
		ORDER BY cached_start LIMIT 1`,
		moduleTypeUUID, target, toNanos(r.End), toNanos(r.Start)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no overlapping analysis for %s", ErrNotFound, target)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query overlapping analysis of %s: %w", target, err)
	}
	return s.Get(ctx, q, id, false)
}

// AddChild links an observable under an analysis. Returns false when the edge already existed.
func (s *AnalysisStorage) AddChild(ctx context.Context, q Querier, analysisUUID, observableUUID uuid.UUID, sort *int) (bool, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO analysis_child_observables (analysis_uuid, observable_uuid, sort)
		VALUES (?, ?, ?) ON CONFLICT (analysis_uuid, observable_uuid) DO NOTHING`,
		analysisUUID, observableUUID, nullInt(sort))
	if err != nil {
		return false, fmt.Errorf("failed to add child %s to analysis %s: %w", observableUUID, analysisUUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ChildEdges returns the analysis's child observables in insertion order
func (s *AnalysisStorage) ChildEdges(ctx context.Context, q Querier, analysisUUID uuid.UUID) ([]core.TreeEdge, error) {
	rows, err := q.QueryContext(ctx, `SELECT observable_uuid, sort FROM analysis_child_observables
		WHERE analysis_uuid = ? ORDER BY rowid`, analysisUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load children of analysis %s: %w", analysisUUID, err)
	}
	defer rows.Close()

	edges := []core.TreeEdge{}
	for rows.Next() {
		var e core.TreeEdge
		var sort sql.NullInt64
		if err := rows.Scan(&e.ObservableUUID, &sort); err != nil {
			return nil, err
		}
		e.Sort = fromNullInt(sort)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListParents returns the analyses that have the observable as a child
func (s *AnalysisStorage) ListParents(ctx context.Context, q Querier, observableUUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT analysis_uuid FROM analysis_child_observables WHERE observable_uuid = ?`, observableUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parents of observable %s: %w", observableUUID, err)
	}
	return scanUUIDs(rows)
}
