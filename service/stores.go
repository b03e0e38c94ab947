package service

import (
	"fmt"

	"ams/storage"

	"go.uber.org/zap"
)

// Stores bundles the storage handlers the services share. All of them run their
// statements through whichever Querier the service passes in.
type Stores struct {
	DB            *storage.SQLite
	Nodes         *storage.NodeStorage
	History       *storage.HistoryStorage
	References    *storage.ReferenceStorage
	Users         *storage.SQLiteUserStorage
	Submissions   *storage.SubmissionStorage
	Observables   *storage.ObservableStorage
	Analyses      *storage.AnalysisStorage
	Comments      *storage.CommentStorage
	Relationships *storage.RelationshipStorage
	Events        *storage.EventStorage
	Trees         *storage.TreeStorage
}

// NewStores wires every storage handler over one database
func NewStores(db *storage.SQLite, referenceCacheSize int, logger *zap.SugaredLogger) (*Stores, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	refs, err := storage.NewReferenceStorage(db, logger, referenceCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Stores{
		DB:            db,
		Nodes:         storage.NewNodeStorage(db, logger),
		History:       storage.NewHistoryStorage(db, logger),
		References:    refs,
		Users:         storage.NewSQLiteUserStorage(db, logger),
		Submissions:   storage.NewSubmissionStorage(db, logger),
		Observables:   storage.NewObservableStorage(db, logger),
		Analyses:      storage.NewAnalysisStorage(db, logger),
		Comments:      storage.NewCommentStorage(db, logger),
		Relationships: storage.NewRelationshipStorage(db, logger),
		Events:        storage.NewEventStorage(db, logger),
	}
	s.Trees = storage.NewTreeStorage(s.Submissions, s.Analyses, s.Observables, logger)
	return s, nil
}
