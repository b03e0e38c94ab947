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

// RelationshipStorage persists typed node to node relationships
type RelationshipStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewRelationshipStorage creates a new relationship storage handler
func NewRelationshipStorage(db *SQLite, logger *zap.SugaredLogger) *RelationshipStorage {
	return &RelationshipStorage{db: db, logger: logger}
}

const relationshipSelect = `SELECT r.uuid, n.version, r.node_uuid, r.related_node_uuid, t.value
	FROM node_relationships r
	JOIN nodes n ON n.uuid = r.uuid
	JOIN reference_values t ON t.uuid = r.type_uuid`

func scanRelationship(row interface{ Scan(...any) error }) (core.NodeRelationship, error) {
	var r core.NodeRelationship
	if err := row.Scan(&r.UUID, &r.Version, &r.NodeUUID, &r.RelatedNodeUUID, &r.Type); err != nil {
		return core.NodeRelationship{}, err
	}
	return r, nil
}

// Insert writes the relationship row
func (s *RelationshipStorage) Insert(ctx context.Context, q Querier, r *core.NodeRelationship, typeUUID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `INSERT INTO node_relationships (uuid, node_uuid, related_node_uuid, type_uuid)
		VALUES (?, ?, ?, ?)`, r.UUID, r.NodeUUID, r.RelatedNodeUUID, typeUUID)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: relationship %s: %v", ErrConstraintViolation, r.DisplayValue(), err)
		}
		return fmt.Errorf("failed to insert relationship %s: %w", r.UUID, err)
	}
	return nil
}

// Get returns a relationship by uuid
func (s *RelationshipStorage) Get(ctx context.Context, q Querier, id uuid.UUID) (*core.NodeRelationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx, relationshipSelect+` WHERE r.uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("node_relationship", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship %s: %w", id, err)
	}
	return &r, nil
}

// Find returns the relationship with the given natural key
func (s *RelationshipStorage) Find(ctx context.Context, q Querier, nodeUUID, relatedUUID uuid.UUID, relType string) (*core.NodeRelationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx, relationshipSelect+`
		WHERE r.node_uuid = ? AND r.related_node_uuid = ? AND t.value = ?`, nodeUUID, relatedUUID, relType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ValueNotFound("node_relationship", relType+":"+relatedUUID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find relationship of %s: %w", nodeUUID, err)
	}
	return &r, nil
}

// ListForNode returns the relationships owned by a node
func (s *RelationshipStorage) ListForNode(ctx context.Context, q Querier, nodeUUID uuid.UUID) ([]core.NodeRelationship, error) {
	rows, err := q.QueryContext(ctx, relationshipSelect+` WHERE r.node_uuid = ? ORDER BY t.value, r.related_node_uuid`, nodeUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships of %s: %w", nodeUUID, err)
	}
	defer rows.Close()

	rels := []core.NodeRelationship{}
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// Delete removes the relationship row. The node row is removed separately.
func (s *RelationshipStorage) Delete(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM node_relationships WHERE uuid = ?`, id); err != nil {
		return fmt.Errorf("failed to delete relationship %s: %w", id, err)
	}
	return nil
}
