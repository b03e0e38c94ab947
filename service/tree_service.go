package service

import (
	"context"
	"fmt"
	"time"

	"ams/core"
	"ams/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TreeService reads submission trees. All rows of one tree are loaded inside a single
// read transaction so the assembled tree reflects one consistent state.
type TreeService struct {
	entities *EntityStore
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewTreeService creates a new TreeService. Panics if a required dependency is nil.
func NewTreeService(entities *EntityStore, logger *zap.SugaredLogger) *TreeService {
	if entities == nil {
		panic("entity store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &TreeService{entities: entities, stores: entities.stores, logger: logger}
}

// ReadTree returns the submission with its assembled tree.
//
// BUSINESS LOGIC:
//  1. Submission and rows are read in one transaction on the read pool
//  2. Without critical points the cached tree stamped with the current submission version
//     and reference generation is served when present
//  3. Otherwise the tree is assembled and, without critical points, written back to the cache
//
// Cache errors never fail the read.
func (s *TreeService) ReadTree(ctx context.Context, id uuid.UUID, opts core.TreeOptions) (*core.SubmissionTree, error) {
	// The read pool is query_only already
	tx, err := s.stores.DB.ReadDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := s.stores.Submissions.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	records, err := s.entities.ledger.ReadHistory(ctx, tx, core.NodeTypeSubmission, id)
	if err != nil {
		return nil, err
	}
	sub.FirstDispositionTime = core.FirstFieldChange(records, "disposition")
	sub.FirstOwnershipTime = core.FirstFieldChange(records, "owner")

	cacheable := s.entities.cache != nil && len(opts.CriticalPoints) == 0
	var stamp core.TreeStamp
	if cacheable {
		generation, err := s.stores.References.Generation(ctx, tx)
		if err != nil {
			return nil, err
		}
		stamp = core.TreeStamp{Version: sub.Version, ReferenceGeneration: generation}
		children, ok, err := s.entities.cache.Get(ctx, id, stamp)
		if err != nil {
			s.logger.Warnw("Tree cache read failed", "submission", id, "error", err)
		} else if ok {
			return &core.SubmissionTree{Submission: *sub, Children: children}, nil
		}
	}

	start := time.Now()
	in, err := s.stores.Trees.LoadTreeInput(ctx, tx, sub)
	if err != nil {
		return nil, err
	}
	children, err := core.AssembleTree(in, opts)
	if err != nil {
		return nil, err
	}
	metrics.TreeBuildDuration.Observe(time.Since(start).Seconds())

	if cacheable {
		if err := s.entities.cache.Set(ctx, id, stamp, children); err != nil {
			s.logger.Warnw("Tree cache write failed", "submission", id, "error", err)
		}
	}
	return &core.SubmissionTree{Submission: *sub, Children: children}, nil
}
