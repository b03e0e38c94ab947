package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ams/core"
	"ams/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NodeStorage manages the nodes table that holds every node's type and version token
type NodeStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewNodeStorage creates a new node storage handler
func NewNodeStorage(db *SQLite, logger *zap.SugaredLogger) *NodeStorage {
	return &NodeStorage{db: db, logger: logger}
}

// Register inserts a node row with a fresh version. A uuid collision is reported as
// ErrConstraintViolation so callers can fall back to the existing row.
func (s *NodeStorage) Register(ctx context.Context, q Querier, id uuid.UUID, nodeType core.NodeType) (uuid.UUID, error) {
	version := uuid.New()
	_, err := q.ExecContext(ctx, `INSERT INTO nodes (uuid, node_type, version) VALUES (?, ?, ?)`, id, string(nodeType), version)
	if err != nil {
		if IsUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("%w: node %s: %v", ErrConstraintViolation, id, err)
		}
		return uuid.Nil, fmt.Errorf("failed to register node %s: %w", id, err)
	}
	return version, nil
}

// Lookup returns a node's type and current version
func (s *NodeStorage) Lookup(ctx context.Context, q Querier, id uuid.UUID) (core.NodeType, uuid.UUID, error) {
	var nodeType string
	var version uuid.UUID
	err := q.QueryRowContext(ctx, `SELECT node_type, version FROM nodes WHERE uuid = ?`, id).Scan(&nodeType, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", uuid.Nil, core.UUIDNotFound("node", id)
	}
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("failed to look up node %s: %w", id, err)
	}
	return core.NodeType(nodeType), version, nil
}

// CheckVersion loads the node's version and, when expected is non-nil, compares it.
// A node of a different type is reported as not found.
func (s *NodeStorage) CheckVersion(ctx context.Context, q Querier, nodeType core.NodeType, id uuid.UUID, expected *uuid.UUID) (uuid.UUID, error) {
	actualType, version, err := s.Lookup(ctx, q, id)
	if err != nil {
		if errors.Is(err, core.ErrUUIDNotFound) {
			return uuid.Nil, core.UUIDNotFound(nodeType.String(), id)
		}
		return uuid.Nil, err
	}
	if actualType != nodeType {
		return uuid.Nil, core.UUIDNotFound(nodeType.String(), id)
	}
	if expected != nil && *expected != version {
		metrics.VersionConflicts.WithLabelValues(nodeType.String()).Inc()
		s.logger.Infow("Version precondition failed",
			"node_type", nodeType,
			"uuid", id,
			"expected", *expected,
			"actual", version)
		return uuid.Nil, core.VersionMismatch(nodeType.String(), id, *expected, version)
	}
	return version, nil
}

// Bump issues a new version token for the node
func (s *NodeStorage) Bump(ctx context.Context, q Querier, id uuid.UUID) (uuid.UUID, error) {
	version := uuid.New()
	var nodeType string
	err := q.QueryRowContext(ctx, `UPDATE nodes SET version = ? WHERE uuid = ? RETURNING node_type`, version, id).Scan(&nodeType)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, core.UUIDNotFound("node", id)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to bump version of %s: %w", id, err)
	}
	metrics.VersionBumps.WithLabelValues(nodeType).Inc()
	return version, nil
}

// BumpAll issues a new version for every node in ids, each with its own token
func (s *NodeStorage) BumpAll(ctx context.Context, q Querier, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, err := s.Bump(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the node row. Type-specific rows must be deleted first.
func (s *NodeStorage) Delete(ctx context.Context, q Querier, id uuid.UUID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE uuid = ?`, id)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: node %s is still referenced", ErrConstraintViolation, id)
		}
		return fmt.Errorf("failed to delete node %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.UUIDNotFound("node", id)
	}
	return nil
}
