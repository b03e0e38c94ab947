package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommentService manages comments. Every comment change is also recorded as a
// "comments" list diff on the node the comment is attached to.
type CommentService struct {
	entities *EntityStore
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewCommentService creates a new CommentService. Panics if a required dependency is nil.
func NewCommentService(entities *EntityStore, logger *zap.SugaredLogger) *CommentService {
	if entities == nil {
		panic("entity store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &CommentService{entities: entities, stores: entities.stores, logger: logger}
	entities.RegisterRenderer(core.NodeTypeComment, func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error) {
		return s.stores.Comments.Get(ctx, q, id)
	})
	return s
}

// Create adds a comment to a node. A comment with the same text on the same node is
// returned with created=false.
func (s *CommentService) Create(ctx context.Context, in core.CommentCreate) (*core.Comment, bool, error) {
	if strings.TrimSpace(in.Value) == "" {
		return nil, false, core.InvalidField("value", "is required")
	}
	id := uuid.New()
	if in.UUID != nil {
		id = *in.UUID
	}

	var out *core.Comment
	var created bool
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		ownerType, _, err := s.stores.Nodes.Lookup(ctx, tx, in.NodeUUID)
		if err != nil {
			return err
		}
		if ownerType.IsLeaf() {
			return core.InvalidField("node_uuid", fmt.Sprintf("a %s cannot be commented on", ownerType))
		}
		if _, err := s.stores.Users.GetUserByUsername(ctx, tx, in.Username); err != nil {
			return err
		}

		comment := &core.Comment{UUID: id, NodeUUID: in.NodeUUID, Username: in.Username, InsertTime: m.at, Value: in.Value}
		err = storage.WithSavepoint(ctx, tx, "comment_create", func() error {
			if err := s.entities.register(ctx, tx, core.NodeTypeComment, id); err != nil {
				return err
			}
			return s.stores.Comments.Insert(ctx, tx, comment)
		})
		if errors.Is(err, storage.ErrConstraintViolation) {
			out, err = s.stores.Comments.FindByValue(ctx, tx, in.NodeUUID, in.Value)
			return err
		}
		if err != nil {
			return err
		}
		created = true

		if err := s.entities.recordCreate(ctx, tx, core.NodeTypeComment, id, m); err != nil {
			return err
		}
		if err := s.entities.touchOwner(ctx, tx, in.NodeUUID, m, core.AddedToList("comments", in.Value)); err != nil {
			return err
		}
		out, err = s.stores.Comments.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// Update edits a comment's text
func (s *CommentService) Update(ctx context.Context, id uuid.UUID, in core.CommentUpdate) (*core.Comment, error) {
	var out *core.Comment
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeComment, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		comment, err := s.stores.Comments.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !in.Value.IsSet() {
			out = comment
			return nil
		}
		value, ok := in.Value.Value()
		if !ok || strings.TrimSpace(value) == "" {
			return core.InvalidField("value", "cannot be empty")
		}
		d, changed := core.ScalarDiff("value", comment.Value, value)
		if !changed {
			out = comment
			return nil
		}

		if err := s.stores.Comments.SaveValue(ctx, tx, id, value); err != nil {
			if errors.Is(err, storage.ErrConstraintViolation) {
				return core.InvalidField("value", "duplicates another comment on the same node")
			}
			return err
		}
		if _, err := s.entities.commit(ctx, tx, core.NodeTypeComment, id, m, []core.FieldDiff{d}); err != nil {
			return err
		}
		ownerDiff, _ := core.ListDiff("comments", []string{comment.Value}, []string{value})
		if err := s.entities.touchOwner(ctx, tx, comment.NodeUUID, m, ownerDiff); err != nil {
			return err
		}
		out, err = s.stores.Comments.Get(ctx, tx, id)
		return err
	})
	return out, err
}

// Delete removes a comment. The owner's list diff is written before the row goes away;
// the comment's own history is kept.
func (s *CommentService) Delete(ctx context.Context, id uuid.UUID, in core.NodeDelete) error {
	return s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeComment, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		comment, err := s.stores.Comments.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.entities.touchOwner(ctx, tx, comment.NodeUUID, m, core.RemovedFromList("comments", comment.Value)); err != nil {
			return err
		}
		if err := s.stores.Comments.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.stores.Nodes.Delete(ctx, tx, id)
	})
}

// Get returns a comment
func (s *CommentService) Get(ctx context.Context, id uuid.UUID) (*core.Comment, error) {
	return s.stores.Comments.Get(ctx, s.entities.read(), id)
}

// ListForNode returns the comments attached to a node
func (s *CommentService) ListForNode(ctx context.Context, nodeUUID uuid.UUID) ([]core.Comment, error) {
	return s.stores.Comments.ListForNode(ctx, s.entities.read(), nodeUUID)
}

// History returns a comment's ledger
func (s *CommentService) History(ctx context.Context, id uuid.UUID) ([]core.HistoryRecord, error) {
	return s.entities.history(ctx, core.NodeTypeComment, id)
}
