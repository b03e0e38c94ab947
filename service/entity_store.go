package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Renderer produces the snapshot of a node that history records carry
type Renderer func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error)

// TreeCache is the subset of the tree cache the services need
type TreeCache interface {
	Get(ctx context.Context, submissionUUID uuid.UUID, stamp core.TreeStamp) ([]*core.TreeNode, bool, error)
	Set(ctx context.Context, submissionUUID uuid.UUID, stamp core.TreeStamp, children []*core.TreeNode) error
	Invalidate(ctx context.Context, submissionUUIDs ...uuid.UUID) error
}

// EntityStore holds the mutation contract shared by every node type: version checks,
// version bumps, fan-out and the history written alongside.
type EntityStore struct {
	stores    *Stores
	ledger    *HistoryLedger
	cache     TreeCache
	renderers map[core.NodeType]Renderer
	logger    *zap.SugaredLogger
}

// NewEntityStore creates the shared mutation layer. cache may be nil.
func NewEntityStore(stores *Stores, ledger *HistoryLedger, cache TreeCache, logger *zap.SugaredLogger) *EntityStore {
	if stores == nil {
		panic("stores are required")
	}
	if ledger == nil {
		panic("ledger is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &EntityStore{
		stores:    stores,
		ledger:    ledger,
		cache:     cache,
		renderers: make(map[core.NodeType]Renderer),
		logger:    logger,
	}
}

// RegisterRenderer sets the snapshot renderer of a node type
func (e *EntityStore) RegisterRenderer(nodeType core.NodeType, r Renderer) {
	e.renderers[nodeType] = r
}

func (e *EntityStore) render(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID) (any, error) {
	r, ok := e.renderers[nodeType]
	if !ok {
		return nil, fmt.Errorf("no renderer registered for %s", nodeType)
	}
	return r(ctx, q, id)
}

// mutation is the per-call state shared by the steps of one mutating operation
type mutation struct {
	actor core.User
	at    time.Time
}

// begin validates the acting user and fixes the action time of the operation
func (e *EntityStore) begin(ctx context.Context, q storage.Querier, meta core.HistoryMeta) (mutation, error) {
	actor, err := e.ledger.CheckActor(ctx, q, meta)
	if err != nil {
		return mutation{}, err
	}
	return mutation{actor: actor, at: e.ledger.ActionTime(meta)}, nil
}

// register inserts the node row for a new node. An id already in use is ErrDuplicateUUID.
func (e *EntityStore) register(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID) error {
	if _, err := e.stores.Nodes.Register(ctx, q, id, nodeType); err != nil {
		if errors.Is(err, storage.ErrConstraintViolation) {
			return fmt.Errorf("%w: %s", core.ErrDuplicateUUID, id)
		}
		return err
	}
	return nil
}

// check loads the node and enforces the optional version precondition
func (e *EntityStore) check(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID, expected *uuid.UUID) error {
	_, err := e.stores.Nodes.CheckVersion(ctx, q, nodeType, id, expected)
	return err
}

// recordCreate writes the CREATE record of a freshly inserted node
func (e *EntityStore) recordCreate(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID, m mutation) error {
	if !nodeType.HasHistory() {
		return nil
	}
	snapshot, err := e.render(ctx, q, nodeType, id)
	if err != nil {
		return err
	}
	_, err = e.ledger.RecordCreate(ctx, q, nodeType, id, m.actor.Username, m.at, snapshot)
	return err
}

// commit finishes an update whose field changes are already written: it issues a new
// version and records one history entry per diff against the post-update snapshot.
// Returns false without touching anything when diffs is empty.
//
// BUSINESS LOGIC:
//  1. No diffs: no bump and no history
//  2. Bump the version first so the snapshot carries the new version
//  3. Observables and analyses are rendered in trees, so every containing submission is bumped too
//  4. Render the snapshot once and share it across all records
func (e *EntityStore) commit(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID, m mutation, diffs []core.FieldDiff) (bool, error) {
	if len(diffs) == 0 {
		return false, nil
	}
	if _, err := e.stores.Nodes.Bump(ctx, q, id); err != nil {
		return false, err
	}
	if _, err := e.propagate(ctx, q, nodeType, id); err != nil {
		return false, err
	}
	if !nodeType.HasHistory() {
		return true, nil
	}
	snapshot, err := e.render(ctx, q, nodeType, id)
	if err != nil {
		return false, err
	}
	if _, err := e.ledger.RecordUpdate(ctx, q, nodeType, id, m.actor.Username, m.at, diffs, snapshot); err != nil {
		return false, err
	}
	return true, nil
}

// touchOwner records a membership change (comments, relationships) on the owning node
func (e *EntityStore) touchOwner(ctx context.Context, q storage.Querier, ownerUUID uuid.UUID, m mutation, diff core.FieldDiff) error {
	ownerType, _, err := e.stores.Nodes.Lookup(ctx, q, ownerUUID)
	if err != nil {
		return err
	}
	_, err = e.commit(ctx, q, ownerType, ownerUUID, m, []core.FieldDiff{diff})
	return err
}

// fanOut bumps every submission containing the analysis and returns them
func (e *EntityStore) fanOut(ctx context.Context, q storage.Querier, analysisUUID uuid.UUID) ([]uuid.UUID, error) {
	subs, err := e.stores.Submissions.ListContainingAnalysis(ctx, q, analysisUUID)
	if err != nil {
		return nil, err
	}
	if err := e.stores.Nodes.BumpAll(ctx, q, subs); err != nil {
		return nil, err
	}
	if len(subs) > 0 {
		e.logger.Debugw("Fanned out version bump", "analysis", analysisUUID, "submissions", len(subs))
	}
	return subs, nil
}

// propagate bumps every submission whose tree renders the node and returns them.
// Other node types are not rendered in trees and return nil.
func (e *EntityStore) propagate(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID) ([]uuid.UUID, error) {
	switch nodeType {
	case core.NodeTypeAnalysis:
		return e.fanOut(ctx, q, id)
	case core.NodeTypeObservable:
		subs, err := e.stores.Submissions.ListContainingObservable(ctx, q, id)
		if err != nil {
			return nil, err
		}
		if err := e.stores.Nodes.BumpAll(ctx, q, subs); err != nil {
			return nil, err
		}
		return subs, nil
	}
	return nil, nil
}

// invalidateTrees drops cached trees of submissions whose version already moved in the
// committed transaction. Cache failures are logged only.
func (e *EntityStore) invalidateTrees(ctx context.Context, submissionUUIDs []uuid.UUID) {
	if e.cache == nil || len(submissionUUIDs) == 0 {
		return
	}
	if err := e.cache.Invalidate(ctx, submissionUUIDs...); err != nil {
		e.logger.Warnw("Failed to invalidate cached trees", "submissions", submissionUUIDs, "error", err)
	}
}

// write runs fn in a write transaction
func (e *EntityStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.stores.DB.WithTransaction(ctx, fn)
}

// read returns the read pool for single-statement reads
func (e *EntityStore) read() storage.Querier {
	return e.stores.DB.ReadDB
}

// history reads the ledger of a node after checking it exists with the expected type
func (e *EntityStore) history(ctx context.Context, nodeType core.NodeType, id uuid.UUID) ([]core.HistoryRecord, error) {
	if err := e.check(ctx, e.read(), nodeType, id, nil); err != nil {
		return nil, err
	}
	return e.ledger.ReadHistory(ctx, e.read(), nodeType, id)
}

// History reads the ledger of any node type that keeps one
func (e *EntityStore) History(ctx context.Context, nodeType core.NodeType, id uuid.UUID) ([]core.HistoryRecord, error) {
	if !nodeType.HasHistory() {
		return nil, core.InvalidField("node_type", fmt.Sprintf("%s has no history", nodeType))
	}
	return e.history(ctx, nodeType, id)
}

// resolveLists translates list field values into reference rows, one kind at a time
func (e *EntityStore) resolveLists(ctx context.Context, q storage.Querier, lists map[core.ReferenceKind][]string) (map[core.ReferenceKind][]core.ReferenceValue, error) {
	out := make(map[core.ReferenceKind][]core.ReferenceValue, len(lists))
	for _, kind := range core.ReferenceKinds {
		values, ok := lists[kind]
		if !ok {
			continue
		}
		refs, err := e.stores.References.Resolve(ctx, q, kind, values)
		if err != nil {
			return nil, err
		}
		out[kind] = refs
	}
	return out, nil
}

// replaceLists writes resolved list associations of a node
func (e *EntityStore) replaceLists(ctx context.Context, q storage.Querier, id uuid.UUID, lists map[core.ReferenceKind][]core.ReferenceValue) error {
	for _, kind := range core.ReferenceKinds {
		refs, ok := lists[kind]
		if !ok {
			continue
		}
		if err := storage.ReplaceReferences(ctx, q, id, kind, refs); err != nil {
			return err
		}
	}
	return nil
}

// listUpdate applies a three-state list field: resolves the new values, diffs them
// against current and queues the resolved rows for replaceLists.
func (e *EntityStore) listUpdate(ctx context.Context, q storage.Querier, field string, kind core.ReferenceKind, f core.Field[[]string], current *[]string, diffs *[]core.FieldDiff, pending map[core.ReferenceKind][]core.ReferenceValue) error {
	if !f.IsSet() {
		return nil
	}
	values, _ := f.Value()
	refs, err := e.stores.References.Resolve(ctx, q, kind, values)
	if err != nil {
		return err
	}
	newValues := make([]string, 0, len(refs))
	for _, r := range refs {
		newValues = append(newValues, r.Value)
	}
	d, changed := core.ListDiff(field, *current, newValues)
	if !changed {
		return nil
	}
	*diffs = append(*diffs, d)
	pending[kind] = refs
	*current = newValues
	return nil
}
