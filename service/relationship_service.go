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

// RelationshipService manages typed links between nodes. Relationships keep no ledger of
// their own; changes are recorded as a "relationships" list diff on the owning node.
type RelationshipService struct {
	entities *EntityStore
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewRelationshipService creates a new RelationshipService. Panics if a required dependency is nil.
func NewRelationshipService(entities *EntityStore, logger *zap.SugaredLogger) *RelationshipService {
	if entities == nil {
		panic("entity store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &RelationshipService{entities: entities, stores: entities.stores, logger: logger}
}

// Create links two nodes. An identical link is returned with created=false.
func (s *RelationshipService) Create(ctx context.Context, in core.NodeRelationshipCreate) (*core.NodeRelationship, bool, error) {
	if in.NodeUUID == in.RelatedNodeUUID {
		return nil, false, core.InvalidField("related_node_uuid", "cannot equal node_uuid")
	}
	id := uuid.New()
	if in.UUID != nil {
		id = *in.UUID
	}

	var out *core.NodeRelationship
	var created bool
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		for _, end := range []struct {
			field string
			id    uuid.UUID
		}{{"node_uuid", in.NodeUUID}, {"related_node_uuid", in.RelatedNodeUUID}} {
			nodeType, _, err := s.stores.Nodes.Lookup(ctx, tx, end.id)
			if err != nil {
				return err
			}
			if nodeType.IsLeaf() {
				return core.InvalidField(end.field, fmt.Sprintf("a %s cannot be related", nodeType))
			}
		}
		relType, err := s.stores.References.ResolveOne(ctx, tx, core.ReferenceRelationshipType, in.Type)
		if err != nil {
			return err
		}

		rel := &core.NodeRelationship{UUID: id, NodeUUID: in.NodeUUID, RelatedNodeUUID: in.RelatedNodeUUID, Type: relType.Value}
		err = storage.WithSavepoint(ctx, tx, "relationship_create", func() error {
			if err := s.entities.register(ctx, tx, core.NodeTypeRelationship, id); err != nil {
				return err
			}
			return s.stores.Relationships.Insert(ctx, tx, rel, relType.UUID)
		})
		if errors.Is(err, storage.ErrConstraintViolation) {
			out, err = s.stores.Relationships.Find(ctx, tx, in.NodeUUID, in.RelatedNodeUUID, relType.Value)
			return err
		}
		if err != nil {
			return err
		}
		created = true

		if err := s.entities.touchOwner(ctx, tx, in.NodeUUID, m, core.AddedToList("relationships", rel.DisplayValue())); err != nil {
			return err
		}
		out, err = s.stores.Relationships.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Delete removes a relationship after recording the removal on its owner
func (s *RelationshipService) Delete(ctx context.Context, id uuid.UUID, in core.NodeDelete) error {
	return s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeRelationship, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		rel, err := s.stores.Relationships.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.entities.touchOwner(ctx, tx, rel.NodeUUID, m, core.RemovedFromList("relationships", rel.DisplayValue())); err != nil {
			return err
		}
		if err := s.stores.Relationships.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.stores.Nodes.Delete(ctx, tx, id)
	})
}

// ListForNode returns the relationships a node owns
func (s *RelationshipService) ListForNode(ctx context.Context, nodeUUID uuid.UUID) ([]core.NodeRelationship, error) {
	return s.stores.Relationships.ListForNode(ctx, s.entities.read(), nodeUUID)
}
