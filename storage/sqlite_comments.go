package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommentStorage persists comments attached to nodes
type CommentStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewCommentStorage creates a new comment storage handler
func NewCommentStorage(db *SQLite, logger *zap.SugaredLogger) *CommentStorage {
	return &CommentStorage{db: db, logger: logger}
}

const commentSelect = `SELECT c.uuid, n.version, c.node_uuid, u.username, c.insert_time, c.value
	FROM comments c
	JOIN nodes n ON n.uuid = c.uuid
	JOIN users u ON u.uuid = c.user_uuid`

func scanComment(row interface{ Scan(...any) error }) (core.Comment, error) {
	var c core.Comment
	var insertTime int64
	if err := row.Scan(&c.UUID, &c.Version, &c.NodeUUID, &c.Username, &insertTime, &c.Value); err != nil {
		return core.Comment{}, err
	}
	c.InsertTime = fromNanos(insertTime)
	return c, nil
}

// Insert writes the comment row. A duplicate (node, value) pair is ErrConstraintViolation.
func (s *CommentStorage) Insert(ctx context.Context, q Querier, c *core.Comment) error {
	_, err := q.ExecContext(ctx, `INSERT INTO comments (uuid, node_uuid, user_uuid, insert_time, value)
		VALUES (?, ?, (SELECT uuid FROM users WHERE username = ?), ?, ?)`,
		c.UUID, c.NodeUUID, c.Username, toNanos(c.InsertTime), c.Value)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: comment on %s: %v", ErrConstraintViolation, c.NodeUUID, err)
		}
		return fmt.Errorf("failed to insert comment %s: %w", c.UUID, err)
	}
	return nil
}

// SaveValue rewrites the comment text
func (s *CommentStorage) SaveValue(ctx context.Context, q Querier, id uuid.UUID, value string) error {
	if _, err := q.ExecContext(ctx, `UPDATE comments SET value = ? WHERE uuid = ?`, value, id); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: comment %s duplicates another comment on the same node", ErrConstraintViolation, id)
		}
		return fmt.Errorf("failed to save comment %s: %w", id, err)
	}
	return nil
}

// Get returns a comment by uuid
func (s *CommentStorage) Get(ctx context.Context, q Querier, id uuid.UUID) (*core.Comment, error) {
	c, err := scanComment(q.QueryRowContext(ctx, commentSelect+` WHERE c.uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("comment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment %s: %w", id, err)
	}
	return &c, nil
}

// FindByValue returns the comment on nodeUUID with exactly this text
func (s *CommentStorage) FindByValue(ctx context.Context, q Querier, nodeUUID uuid.UUID, value string) (*core.Comment, error) {
	c, err := scanComment(q.QueryRowContext(ctx, commentSelect+` WHERE c.node_uuid = ? AND c.value = ?`, nodeUUID, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ValueNotFound("comment", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find comment on %s: %w", nodeUUID, err)
	}
	return &c, nil
}

// ListForNode returns a node's comments oldest first
func (s *CommentStorage) ListForNode(ctx context.Context, q Querier, nodeUUID uuid.UUID) ([]core.Comment, error) {
	rows, err := q.QueryContext(ctx, commentSelect+` WHERE c.node_uuid = ? ORDER BY c.insert_time, c.rowid`, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of %s: %w", nodeUUID, err)
	}
	defer rows.Close()

	comments := []core.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// Delete removes the comment row. The node row is removed separately.
func (s *CommentStorage) Delete(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM comments WHERE uuid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete comment %s: %w", id, err)
	}
	return nil
}
