package service

import (
	"ams/core"

	"go.uber.org/zap"
)

// Services is the full service layer wired over one set of stores
type Services struct {
	Stores        *Stores
	Entities      *EntityStore
	Ledger        *HistoryLedger
	References    *ReferenceService
	Submissions   *SubmissionService
	Observables   *ObservableService
	Analyses      *AnalysisService
	Comments      *CommentService
	Relationships *RelationshipService
	Events        *EventService
	Trees         *TreeService
}

// NewServices wires every service. cache may be nil to disable tree caching.
func NewServices(stores *Stores, clock core.Clock, cache TreeCache, logger *zap.SugaredLogger) *Services {
	ledger := NewHistoryLedger(stores.History, stores.Users, clock, logger)
	entities := NewEntityStore(stores, ledger, cache, logger)
	analyses := NewAnalysisService(entities, logger)
	observables := NewObservableService(entities, analyses, logger)

	return &Services{
		Stores:        stores,
		Entities:      entities,
		Ledger:        ledger,
		References:    NewReferenceService(stores, logger),
		Submissions:   NewSubmissionService(entities, analyses, observables, logger),
		Observables:   observables,
		Analyses:      analyses,
		Comments:      NewCommentService(entities, logger),
		Relationships: NewRelationshipService(entities, logger),
		Events:        NewEventService(entities, logger),
		Trees:         NewTreeService(entities, logger),
	}
}
