package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AnalysisService records analysis results and the observables they produce
type AnalysisService struct {
	entities *EntityStore
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewAnalysisService creates a new AnalysisService. Panics if a required dependency is nil.
func NewAnalysisService(entities *EntityStore, logger *zap.SugaredLogger) *AnalysisService {
	if entities == nil {
		panic("entity store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &AnalysisService{entities: entities, stores: entities.stores, logger: logger}
	entities.RegisterRenderer(core.NodeTypeAnalysis, func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error) {
		return s.stores.Analyses.Get(ctx, q, id, false)
	})
	return s
}

// createRoot inserts the synthetic root analysis of a new submission. Its CREATE record is
// written by the caller once the submission's observables are attached.
func (s *AnalysisService) createRoot(ctx context.Context, q storage.Querier, m mutation) (*core.Analysis, error) {
	root := &core.Analysis{UUID: uuid.New(), RunTime: m.at}
	if err := s.entities.register(ctx, q, core.NodeTypeAnalysis, root.UUID); err != nil {
		return nil, err
	}
	if err := s.stores.Analyses.Insert(ctx, q, root, nil); err != nil {
		return nil, err
	}
	return root, nil
}

// Create records an analysis result within a submission.
//
// BUSINESS LOGIC:
//  1. The submission and target observable must exist; the module type must resolve
//  2. cached_during is [run_time, run_time + cache_seconds) when the module caches
//  3. The insert runs in a savepoint; when the cache gate rejects it the existing
//     overlapping analysis is reused and created=false
//  4. The analysis is mapped to the submission and every submission containing it
//     gets a new version
//
// ERRORS:
//   - core.ErrUUIDNotFound: submission or target missing
//   - core.ErrValueNotFound: unknown module type or actor
//   - core.ErrDuplicateUUID: supplied uuid already used
func (s *AnalysisService) Create(ctx context.Context, in core.AnalysisCreate) (*core.Analysis, bool, error) {
	id := uuid.New()
	if in.UUID != nil {
		id = *in.UUID
	}

	var out *core.Analysis
	var created bool
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		if err := s.entities.check(ctx, tx, core.NodeTypeSubmission, in.SubmissionUUID, nil); err != nil {
			return err
		}
		if err := s.entities.check(ctx, tx, core.NodeTypeObservable, in.TargetUUID, nil); err != nil {
			return err
		}
		module, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceAnalysisModuleType, in.AnalysisModuleType)
		if err != nil {
			return err
		}

		runTime := m.at
		if in.RunTime != nil {
			runTime = in.RunTime.UTC()
		}
		target := in.TargetUUID
		moduleType := module.Value
		analysis := &core.Analysis{
			UUID:               id,
			AnalysisModuleType: &moduleType,
			TargetUUID:         &target,
			RunTime:            runTime,
			CachedDuring:       core.CacheRange(runTime, module.CacheSeconds),
			Summary:            in.Summary,
			ErrorMessage:       in.ErrorMessage,
			StackTrace:         in.StackTrace,
			Details:            in.Details,
		}

		err = storage.WithSavepoint(ctx, tx, "analysis_create", func() error {
			if err := s.entities.register(ctx, tx, core.NodeTypeAnalysis, id); err != nil {
				return err
			}
			return s.stores.Analyses.Insert(ctx, tx, analysis, &module.UUID)
		})
		switch {
		case err == nil:
			created = true
			if err := s.entities.recordCreate(ctx, tx, core.NodeTypeAnalysis, id, m); err != nil {
				return err
			}
		case errors.Is(err, storage.ErrCacheOverlap):
			existing, findErr := s.stores.Analyses.FindOverlapping(ctx, tx, module.UUID, target, *analysis.CachedDuring)
			if findErr != nil {
				return findErr
			}
			s.logger.Infow("Reusing cached analysis",
				"module", moduleType,
				"target", target,
				"cached", existing.UUID)
			id = existing.UUID
		default:
			return err
		}

		mapped, err := s.stores.Submissions.AddAnalysis(ctx, tx, in.SubmissionUUID, id)
		if err != nil {
			return err
		}
		if mapped || created {
			if _, err := s.entities.fanOut(ctx, tx, id); err != nil {
				return err
			}
		}
		out, err = s.stores.Analyses.Get(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// attachChild links an observable under an analysis within tx. A new edge writes a
// child_observables list diff on the analysis, whose commit bumps every containing
// submission. Attaching an existing edge changes nothing.
func (s *AnalysisService) attachChild(ctx context.Context, tx *sql.Tx, analysisUUID, observableUUID uuid.UUID, sort *int, m mutation) error {
	if err := s.entities.check(ctx, tx, core.NodeTypeAnalysis, analysisUUID, nil); err != nil {
		return err
	}
	if err := s.entities.check(ctx, tx, core.NodeTypeObservable, observableUUID, nil); err != nil {
		return err
	}
	added, err := s.stores.Analyses.AddChild(ctx, tx, analysisUUID, observableUUID, sort)
	if err != nil || !added {
		return err
	}
	diff := core.AddedToList("child_observables", observableUUID.String())
	_, err = s.entities.commit(ctx, tx, core.NodeTypeAnalysis, analysisUUID, m, []core.FieldDiff{diff})
	return err
}

// AddChildObservable attaches an existing observable to an analysis
func (s *AnalysisService) AddChildObservable(ctx context.Context, analysisUUID uuid.UUID, in core.ChildObservableAdd) (*core.Analysis, error) {
	var out *core.Analysis
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		if err := s.attachChild(ctx, tx, analysisUUID, in.ObservableUUID, in.Sort, m); err != nil {
			return err
		}
		out, err = s.stores.Analyses.Get(ctx, tx, analysisUUID, false)
		return err
	})
	return out, err
}

// Get returns an analysis. Details are only loaded when requested.
func (s *AnalysisService) Get(ctx context.Context, id uuid.UUID, withDetails bool) (*core.Analysis, error) {
	return s.stores.Analyses.Get(ctx, s.entities.read(), id, withDetails)
}

// Update changes the result fields of an analysis
func (s *AnalysisService) Update(ctx context.Context, id uuid.UUID, in core.AnalysisUpdate) (*core.Analysis, error) {
	var out *core.Analysis
	var touched []uuid.UUID
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeAnalysis, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		a, err := s.stores.Analyses.Get(ctx, tx, id, true)
		if err != nil {
			return err
		}

		var diffs []core.FieldDiff
		scalar := func(field string, f core.Field[string], current **string) {
			if !f.IsSet() {
				return
			}
			if d, changed := core.ScalarDiff(field, *current, f.Ptr()); changed {
				diffs = append(diffs, d)
				*current = f.Ptr()
			}
		}
		scalar("summary", in.Summary, &a.Summary)
		scalar("error_message", in.ErrorMessage, &a.ErrorMessage)
		scalar("stack_trace", in.StackTrace, &a.StackTrace)
		if in.Details.IsSet() {
			details, _ := in.Details.Value()
			if len(details) > 0 && !json.Valid(details) {
				return core.InvalidField("details", "is not valid JSON")
			}
			if d, changed := core.ScalarDiff("details", a.Details, details); changed {
				diffs = append(diffs, d)
				a.Details = details
			}
		}
		if len(diffs) == 0 {
			out = a
			return nil
		}

		if err := s.stores.Analyses.Save(ctx, tx, a); err != nil {
			return err
		}
		if _, err := s.entities.commit(ctx, tx, core.NodeTypeAnalysis, id, m, diffs); err != nil {
			return err
		}
		if touched, err = s.stores.Submissions.ListContainingAnalysis(ctx, tx, id); err != nil {
			return err
		}
		out, err = s.stores.Analyses.Get(ctx, tx, id, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.entities.invalidateTrees(ctx, touched)
	return out, nil
}

// History returns an analysis's ledger
func (s *AnalysisService) History(ctx context.Context, id uuid.UUID) ([]core.HistoryRecord, error) {
	return s.entities.history(ctx, core.NodeTypeAnalysis, id)
}

// CachedFor returns the analysis of moduleType against target whose cache window covers at
func (s *AnalysisService) CachedFor(ctx context.Context, moduleType string, target uuid.UUID, at time.Time) (*core.Analysis, bool, error) {
	if _, err := s.stores.References.ResolveOne(ctx, s.entities.read(), core.ReferenceAnalysisModuleType, moduleType); err != nil {
		return nil, false, err
	}
	return s.stores.Analyses.FindCached(ctx, s.entities.read(), moduleType, target, at)
}
