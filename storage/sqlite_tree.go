package storage

import (
	"context"
	"fmt"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TreeStorage materializes the flat row set a submission tree is assembled from
type TreeStorage struct {
	submissions *SubmissionStorage
	analyses    *AnalysisStorage
	observables *ObservableStorage
	logger      *zap.SugaredLogger
}

// NewTreeStorage creates a tree loader over the entity storages
func NewTreeStorage(submissions *SubmissionStorage, analyses *AnalysisStorage, observables *ObservableStorage, logger *zap.SugaredLogger) *TreeStorage {
	return &TreeStorage{
		submissions: submissions,
		analyses:    analyses,
		observables: observables,
		logger:      logger,
	}
}

// LoadTreeInput reads every analysis mapped to the submission, their child edges and every
// observable those edges point at. Nothing is read lazily afterwards.
func (s *TreeStorage) LoadTreeInput(ctx context.Context, q Querier, sub *core.Submission) (core.TreeInput, error) {
	ids, err := s.submissions.AnalysisUUIDs(ctx, q, sub.UUID)
	if err != nil {
		return core.TreeInput{}, err
	}

	in := core.TreeInput{
		RootAnalysisUUID: sub.RootAnalysisUUID,
		Analyses:         make([]core.TreeAnalysisRow, 0, len(ids)),
	}
	var observableIDs []uuid.UUID
	for _, id := range ids {
		a, err := s.analyses.Get(ctx, q, id, false)
		if err != nil {
			return core.TreeInput{}, fmt.Errorf("load tree of %s: %w", sub.UUID, err)
		}
		edges, err := s.analyses.ChildEdges(ctx, q, id)
		if err != nil {
			return core.TreeInput{}, err
		}
		for _, e := range edges {
			observableIDs = append(observableIDs, e.ObservableUUID)
		}
		in.Analyses = append(in.Analyses, core.TreeAnalysisRow{Analysis: *a, Children: edges})
	}

	in.Observables, err = s.observables.GetMany(ctx, q, observableIDs)
	if err != nil {
		return core.TreeInput{}, fmt.Errorf("load tree of %s: %w", sub.UUID, err)
	}

	s.logger.Debugw("Loaded tree rows",
		"submission", sub.UUID,
		"analyses", len(in.Analyses),
		"observables", len(in.Observables))
	return in, nil
}
