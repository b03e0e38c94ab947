package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ObservableService manages observables. (type, value) is the natural key and creating
// an existing pair returns the stored observable.
type ObservableService struct {
	entities *EntityStore
	analyses *AnalysisService
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewObservableService creates a new ObservableService. Panics if a required dependency is nil.
func NewObservableService(entities *EntityStore, analyses *AnalysisService, logger *zap.SugaredLogger) *ObservableService {
	if entities == nil {
		panic("entity store is required")
	}
	if analyses == nil {
		panic("analysis service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &ObservableService{entities: entities, analyses: analyses, stores: entities.stores, logger: logger}
	entities.RegisterRenderer(core.NodeTypeObservable, func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error) {
		return s.stores.Observables.Get(ctx, q, id)
	})
	return s
}

// createInTx creates one observable inside tx. The insert runs in its own savepoint so a
// duplicate (type, value) only undoes this observable's work; the stored row is returned
// with created=false and no CREATE record.
func (s *ObservableService) createInTx(ctx context.Context, tx *sql.Tx, in core.ObservableCreate, m mutation) (*core.Observable, bool, error) {
	typeRef, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceObservableType, in.Type)
	if err != nil {
		return nil, false, err
	}
	if in.Value == "" {
		return nil, false, core.InvalidField("value", "is required")
	}
	lists, err := s.entities.resolveLists(ctx, tx, map[core.ReferenceKind][]string{
		core.ReferenceTag:         in.Tags,
		core.ReferenceDirective:   in.Directives,
		core.ReferenceThreat:      in.Threats,
		core.ReferenceThreatActor: in.ThreatActors,
	})
	if err != nil {
		return nil, false, err
	}
	if in.RedirectionUUID != nil {
		if err := s.entities.check(ctx, tx, core.NodeTypeObservable, *in.RedirectionUUID, nil); err != nil {
			return nil, false, err
		}
	}

	obs := &core.Observable{
		UUID:            uuid.New(),
		Type:            typeRef.Value,
		Value:           in.Value,
		Context:         in.Context,
		ExpiresOn:       in.ExpiresOn,
		ForDetection:    in.ForDetection,
		Time:            m.at,
		RedirectionUUID: in.RedirectionUUID,
	}
	if in.UUID != nil {
		obs.UUID = *in.UUID
	}
	if in.Time != nil {
		obs.Time = in.Time.UTC()
	}

	err = storage.WithSavepoint(ctx, tx, "observable_create", func() error {
		if err := s.entities.register(ctx, tx, core.NodeTypeObservable, obs.UUID); err != nil {
			return err
		}
		if err := s.stores.Observables.Insert(ctx, tx, obs, typeRef.UUID); err != nil {
			return err
		}
		return s.entities.replaceLists(ctx, tx, obs.UUID, lists)
	})
	if errors.Is(err, core.ErrDuplicateUUID) {
		// Replaying a create with the same uuid and natural key is still idempotent
		existing, findErr := s.stores.Observables.FindByTypeValue(ctx, tx, typeRef.Value, in.Value)
		if findErr == nil && existing.UUID == obs.UUID {
			return existing, false, nil
		}
		return nil, false, err
	}
	if errors.Is(err, storage.ErrConstraintViolation) {
		existing, findErr := s.stores.Observables.FindByTypeValue(ctx, tx, typeRef.Value, in.Value)
		if findErr != nil {
			return nil, false, fmt.Errorf("observable %s %q rejected but not found: %w", in.Type, in.Value, findErr)
		}
		s.logger.Debugw("Observable already exists", "type", in.Type, "value", in.Value, "uuid", existing.UUID)
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := s.entities.recordCreate(ctx, tx, core.NodeTypeObservable, obs.UUID, m); err != nil {
		return nil, false, err
	}
	out, err := s.stores.Observables.Get(ctx, tx, obs.UUID)
	return out, true, err
}

// createAndAttach creates the observable and, when a parent analysis is named, attaches it
func (s *ObservableService) createAndAttach(ctx context.Context, tx *sql.Tx, in core.ObservableCreate, m mutation) (*core.Observable, bool, error) {
	obs, created, err := s.createInTx(ctx, tx, in, m)
	if err != nil {
		return nil, false, err
	}
	if in.ParentAnalysisUUID != nil {
		if err := s.analyses.attachChild(ctx, tx, *in.ParentAnalysisUUID, obs.UUID, in.Sort, m); err != nil {
			return nil, false, err
		}
	}
	return obs, created, nil
}

// Create creates an observable, or returns the existing one for the same (type, value)
// with created=false. With a parent analysis the observable is attached to it and every
// submission containing that analysis gets a new version.
func (s *ObservableService) Create(ctx context.Context, in core.ObservableCreate) (*core.Observable, bool, error) {
	var out *core.Observable
	var created bool
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		out, created, err = s.createAndAttach(ctx, tx, in, m)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Infow("Observable created", "uuid", out.UUID, "type", out.Type)
	}
	return out, created, nil
}

// CreateMany creates observables in one transaction. Duplicates resolve to the stored
// rows while the other elements proceed. Any other failure aborts the whole call.
func (s *ObservableService) CreateMany(ctx context.Context, in []core.ObservableCreate) ([]*core.Observable, error) {
	out := make([]*core.Observable, 0, len(in))
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		for i, item := range in {
			m, err := s.entities.begin(ctx, tx, item.HistoryMeta)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			obs, _, err := s.createAndAttach(ctx, tx, item, m)
			if err != nil {
				return &BatchError{Index: i, Err: err}
			}
			out = append(out, obs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns an observable
func (s *ObservableService) Get(ctx context.Context, id uuid.UUID) (*core.Observable, error) {
	return s.stores.Observables.Get(ctx, s.entities.read(), id)
}

// Update changes an observable's mutable fields.
//
// BUSINESS LOGIC:
//  1. A supplied version must match the stored one, checked before anything else
//  2. Only set fields are compared; each changed field yields one history record
//  3. Unchanged payloads leave the version and history alone
//  4. Cached trees of every submission containing the observable are dropped
//
// ERRORS:
//   - core.ErrVersionMismatch: stale version, nothing applied
//   - core.ErrUUIDNotFound: observable or redirection target missing
//   - core.ErrValueNotFound: unknown tag, directive, threat or threat actor
func (s *ObservableService) Update(ctx context.Context, id uuid.UUID, in core.ObservableUpdate) (*core.Observable, error) {
	var out *core.Observable
	var touched []uuid.UUID
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeObservable, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		obs, err := s.stores.Observables.Get(ctx, tx, id)
		if err != nil {
			return err
		}

		var diffs []core.FieldDiff
		if in.Context.IsSet() {
			if d, changed := core.ScalarDiff("context", obs.Context, in.Context.Ptr()); changed {
				diffs = append(diffs, d)
				obs.Context = in.Context.Ptr()
			}
		}
		if in.ExpiresOn.IsSet() {
			if d, changed := core.ScalarDiff("expires_on", obs.ExpiresOn, in.ExpiresOn.Ptr()); changed {
				diffs = append(diffs, d)
				obs.ExpiresOn = in.ExpiresOn.Ptr()
			}
		}
		if in.ForDetection.IsSet() {
			v, ok := in.ForDetection.Value()
			if !ok {
				return core.InvalidField("for_detection", "cannot be null")
			}
			if d, changed := core.ScalarDiff("for_detection", obs.ForDetection, v); changed {
				diffs = append(diffs, d)
				obs.ForDetection = v
			}
		}
		if in.Time.IsSet() {
			v, ok := in.Time.Value()
			if !ok {
				return core.InvalidField("time", "cannot be null")
			}
			if d, changed := core.ScalarDiff("time", obs.Time, v.UTC()); changed {
				diffs = append(diffs, d)
				obs.Time = v.UTC()
			}
		}
		if in.RedirectionUUID.IsSet() {
			target := in.RedirectionUUID.Ptr()
			if target != nil {
				if *target == id {
					return core.InvalidField("redirection_uuid", "cannot point at itself")
				}
				if err := s.entities.check(ctx, tx, core.NodeTypeObservable, *target, nil); err != nil {
					return err
				}
			}
			if d, changed := core.ScalarDiff("redirection_uuid", obs.RedirectionUUID, target); changed {
				diffs = append(diffs, d)
				obs.RedirectionUUID = target
			}
		}

		pending := make(map[core.ReferenceKind][]core.ReferenceValue)
		for _, l := range []struct {
			field   string
			kind    core.ReferenceKind
			value   core.Field[[]string]
			current *[]string
		}{
			{"tags", core.ReferenceTag, in.Tags, &obs.Tags},
			{"directives", core.ReferenceDirective, in.Directives, &obs.Directives},
			{"threats", core.ReferenceThreat, in.Threats, &obs.Threats},
			{"threat_actors", core.ReferenceThreatActor, in.ThreatActors, &obs.ThreatActors},
		} {
			if err := s.entities.listUpdate(ctx, tx, l.field, l.kind, l.value, l.current, &diffs, pending); err != nil {
				return err
			}
		}
		if len(diffs) == 0 {
			out = obs
			return nil
		}

		if err := s.stores.Observables.Save(ctx, tx, obs); err != nil {
			return err
		}
		if err := s.entities.replaceLists(ctx, tx, id, pending); err != nil {
			return err
		}
		if _, err := s.entities.commit(ctx, tx, core.NodeTypeObservable, id, m, diffs); err != nil {
			return err
		}
		if touched, err = s.stores.Submissions.ListContainingObservable(ctx, tx, id); err != nil {
			return err
		}
		out, err = s.stores.Observables.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.entities.invalidateTrees(ctx, touched)
	return out, nil
}

// History returns an observable's ledger
func (s *ObservableService) History(ctx context.Context, id uuid.UUID) ([]core.HistoryRecord, error) {
	return s.entities.history(ctx, core.NodeTypeObservable, id)
}
