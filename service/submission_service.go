package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchError reports which element of a batch failed. The whole batch was rolled back.
type BatchError struct {
	Index int
	UUID  uuid.UUID
	Err   error
}

func (e *BatchError) Error() string {
	if e.UUID == uuid.Nil {
		return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("batch item %d (%s): %v", e.Index, e.UUID, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// SubmissionService manages submissions, the roots of analysis trees.
//
// DESIGN PATTERNS:
//   - Every mutation runs in one write transaction through the EntityStore
//   - Version checks happen before any field is read or compared
//   - Events a submission joins or leaves get a new version in the same transaction
type SubmissionService struct {
	entities    *EntityStore
	analyses    *AnalysisService
	observables *ObservableService
	stores      *Stores
	logger      *zap.SugaredLogger
}

// NewSubmissionService creates a new SubmissionService. Panics if a required dependency is nil.
func NewSubmissionService(entities *EntityStore, analyses *AnalysisService, observables *ObservableService, logger *zap.SugaredLogger) *SubmissionService {
	if entities == nil {
		panic("entity store is required")
	}
	if analyses == nil {
		panic("analysis service is required")
	}
	if observables == nil {
		panic("observable service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &SubmissionService{
		entities:    entities,
		analyses:    analyses,
		observables: observables,
		stores:      entities.stores,
		logger:      logger,
	}
	entities.RegisterRenderer(core.NodeTypeSubmission, func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error) {
		return s.stores.Submissions.Get(ctx, q, id)
	})
	return s
}

// Create creates a submission with its root analysis and any initial observables.
//
// BUSINESS LOGIC:
//  1. Queue, type, owner and list values must all resolve
//  2. The root analysis is created and mapped to the submission
//  3. Initial observables are created (or reused by natural key) under the root
//  4. CREATE records are written last so their snapshots include the children
//
// ERRORS:
//   - core.ErrValueNotFound: unknown queue, type, owner, tag, threat or actor
//   - core.ErrDuplicateUUID: supplied uuid already used
func (s *SubmissionService) Create(ctx context.Context, in core.SubmissionCreate) (*core.Submission, error) {
	id := uuid.New()
	if in.UUID != nil {
		id = *in.UUID
	}

	var out *core.Submission
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		queue, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceQueue, in.Queue)
		if err != nil {
			return err
		}
		subType, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceSubmissionType, in.Type)
		if err != nil {
			return err
		}
		lists, err := s.entities.resolveLists(ctx, tx, map[core.ReferenceKind][]string{
			core.ReferenceTag:         in.Tags,
			core.ReferenceThreat:      in.Threats,
			core.ReferenceThreatActor: in.ThreatActors,
		})
		if err != nil {
			return err
		}

		sub := &core.Submission{
			UUID:        id,
			Name:        in.Name,
			Description: in.Description,
			Alert:       in.Alert,
			Queue:       queue.Value,
			Type:        subType.Value,
			EventTime:   m.at,
			InsertTime:  m.at,
		}
		if in.EventTime != nil {
			sub.EventTime = in.EventTime.UTC()
		}
		if in.Owner != nil {
			owner, err := s.stores.Users.GetUserByUsername(ctx, tx, *in.Owner)
			if err != nil {
				return err
			}
			sub.Owner = &owner
			at := m.at
			sub.OwnershipTime = &at
		}

		if err := s.entities.register(ctx, tx, core.NodeTypeSubmission, id); err != nil {
			return err
		}
		root, err := s.analyses.createRoot(ctx, tx, m)
		if err != nil {
			return err
		}
		sub.RootAnalysisUUID = root.UUID
		if err := s.stores.Submissions.Insert(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.entities.replaceLists(ctx, tx, id, lists); err != nil {
			return err
		}
		if _, err := s.stores.Submissions.AddAnalysis(ctx, tx, id, root.UUID); err != nil {
			return err
		}

		for i, item := range in.Observables {
			obs, _, err := s.observables.createInTx(ctx, tx, item, m)
			if err != nil {
				return fmt.Errorf("observable %d: %w", i, err)
			}
			if _, err := s.stores.Analyses.AddChild(ctx, tx, root.UUID, obs.UUID, item.Sort); err != nil {
				return err
			}
		}

		if err := s.entities.recordCreate(ctx, tx, core.NodeTypeAnalysis, root.UUID, m); err != nil {
			return err
		}
		if err := s.entities.recordCreate(ctx, tx, core.NodeTypeSubmission, id, m); err != nil {
			return err
		}
		out, err = s.stores.Submissions.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Submission created",
		"uuid", out.UUID,
		"queue", out.Queue,
		"observables", len(in.Observables))
	return out, nil
}

// Get returns a submission with its first disposition and first ownership times, both
// found by scanning its history in order.
func (s *SubmissionService) Get(ctx context.Context, id uuid.UUID) (*core.Submission, error) {
	sub, err := s.stores.Submissions.Get(ctx, s.entities.read(), id)
	if err != nil {
		return nil, err
	}
	records, err := s.entities.ledger.ReadHistory(ctx, s.entities.read(), core.NodeTypeSubmission, id)
	if err != nil {
		return nil, err
	}
	sub.FirstDispositionTime = core.FirstFieldChange(records, "disposition")
	sub.FirstOwnershipTime = core.FirstFieldChange(records, "owner")
	return sub, nil
}

// List returns submissions newest first
func (s *SubmissionService) List(ctx context.Context, limit, offset int) ([]core.Submission, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.stores.Submissions.List(ctx, s.entities.read(), limit, offset)
}

// Update applies one submission update
func (s *SubmissionService) Update(ctx context.Context, in core.SubmissionUpdate) (*core.Submission, error) {
	var out *core.Submission
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.updateInTx(ctx, tx, in)
		return err
	})
	return out, err
}

// BatchUpdate applies updates in order in one transaction. The first failure stops the
// batch, rolls everything back and is returned as a *BatchError.
func (s *SubmissionService) BatchUpdate(ctx context.Context, in []core.SubmissionUpdate) ([]*core.Submission, error) {
	out := make([]*core.Submission, 0, len(in))
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		for i, u := range in {
			sub, err := s.updateInTx(ctx, tx, u)
			if err != nil {
				return &BatchError{Index: i, UUID: u.UUID, Err: err}
			}
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// updateInTx diffs the set fields of in against the stored submission and writes the
// changes.
//
// BUSINESS LOGIC:
//   - owner and disposition diff by username and label
//   - an owner change stamps ownership_time; a disposition change stamps
//     disposition_time and disposition_user; neither stamp gets its own record
//   - joining or leaving an event bumps that event's version
func (s *SubmissionService) updateInTx(ctx context.Context, tx *sql.Tx, in core.SubmissionUpdate) (*core.Submission, error) {
	if err := s.entities.check(ctx, tx, core.NodeTypeSubmission, in.UUID, in.Version); err != nil {
		return nil, err
	}
	m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
	if err != nil {
		return nil, err
	}
	sub, err := s.stores.Submissions.Get(ctx, tx, in.UUID)
	if err != nil {
		return nil, err
	}

	var diffs []core.FieldDiff
	add := func(d core.FieldDiff, changed bool) bool {
		if changed {
			diffs = append(diffs, d)
		}
		return changed
	}

	if in.Name.IsSet() && add(core.ScalarDiff("name", sub.Name, in.Name.Ptr())) {
		sub.Name = in.Name.Ptr()
	}
	if in.Description.IsSet() && add(core.ScalarDiff("description", sub.Description, in.Description.Ptr())) {
		sub.Description = in.Description.Ptr()
	}
	if in.Alert.IsSet() {
		v, ok := in.Alert.Value()
		if !ok {
			return nil, core.InvalidField("alert", "cannot be null")
		}
		if add(core.ScalarDiff("alert", sub.Alert, v)) {
			sub.Alert = v
		}
	}
	if in.Queue.IsSet() {
		v, ok := in.Queue.Value()
		if !ok || strings.TrimSpace(v) == "" {
			return nil, core.InvalidField("queue", "cannot be null")
		}
		queue, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceQueue, v)
		if err != nil {
			return nil, err
		}
		if add(core.ScalarDiff("queue", sub.Queue, queue.Value)) {
			sub.Queue = queue.Value
		}
	}
	if in.Owner.IsSet() {
		var owner *core.User
		if username, ok := in.Owner.Value(); ok {
			u, err := s.stores.Users.GetUserByUsername(ctx, tx, username)
			if err != nil {
				return nil, err
			}
			owner = &u
		}
		var newName *string
		if owner != nil {
			newName = &owner.Username
		}
		if add(core.ScalarDiff("owner", sub.OwnerUsername(), newName)) {
			sub.Owner = owner
			sub.OwnershipTime = nil
			if owner != nil {
				at := m.at
				sub.OwnershipTime = &at
			}
		}
	}
	if in.Disposition.IsSet() {
		var disposition *string
		if v, ok := in.Disposition.Value(); ok {
			ref, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceDisposition, v)
			if err != nil {
				return nil, err
			}
			disposition = &ref.Value
		}
		if add(core.ScalarDiff("disposition", sub.Disposition, disposition)) {
			sub.Disposition = disposition
			sub.DispositionTime = nil
			sub.DispositionUser = nil
			if disposition != nil {
				at := m.at
				actor := m.actor
				sub.DispositionTime = &at
				sub.DispositionUser = &actor
			}
		}
	}

	var events []uuid.UUID
	if in.EventUUID.IsSet() {
		target := in.EventUUID.Ptr()
		if target != nil {
			if err := s.entities.check(ctx, tx, core.NodeTypeEvent, *target, nil); err != nil {
				return nil, err
			}
		}
		if add(core.ScalarDiff("event_uuid", sub.EventUUID, target)) {
			if sub.EventUUID != nil {
				events = append(events, *sub.EventUUID)
			}
			if target != nil {
				events = append(events, *target)
			}
			sub.EventUUID = target
		}
	}
	if in.EventTime.IsSet() {
		v, ok := in.EventTime.Value()
		if !ok {
			return nil, core.InvalidField("event_time", "cannot be null")
		}
		if add(core.ScalarDiff("event_time", sub.EventTime, v.UTC())) {
			sub.EventTime = v.UTC()
		}
	}

	pending := make(map[core.ReferenceKind][]core.ReferenceValue)
	if err := s.entities.listUpdate(ctx, tx, "tags", core.ReferenceTag, in.Tags, &sub.Tags, &diffs, pending); err != nil {
		return nil, err
	}
	if err := s.entities.listUpdate(ctx, tx, "threats", core.ReferenceThreat, in.Threats, &sub.Threats, &diffs, pending); err != nil {
		return nil, err
	}
	if err := s.entities.listUpdate(ctx, tx, "threat_actors", core.ReferenceThreatActor, in.ThreatActors, &sub.ThreatActors, &diffs, pending); err != nil {
		return nil, err
	}

	if len(diffs) == 0 {
		return sub, nil
	}
	if err := s.stores.Submissions.Save(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := s.entities.replaceLists(ctx, tx, sub.UUID, pending); err != nil {
		return nil, err
	}
	if _, err := s.entities.commit(ctx, tx, core.NodeTypeSubmission, sub.UUID, m, diffs); err != nil {
		return nil, err
	}
	if err := s.stores.Nodes.BumpAll(ctx, tx, events); err != nil {
		return nil, err
	}
	return s.stores.Submissions.Get(ctx, tx, sub.UUID)
}

// History returns a submission's ledger
func (s *SubmissionService) History(ctx context.Context, id uuid.UUID) ([]core.HistoryRecord, error) {
	return s.entities.history(ctx, core.NodeTypeSubmission, id)
}
