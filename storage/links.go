package storage

import (
	"context"
	"fmt"

	"ams/core"

	"github.com/google/uuid"
)

// ReferenceValues returns the display values of a node's list association, sorted by value
func ReferenceValues(ctx context.Context, q Querier, nodeUUID uuid.UUID, kind core.ReferenceKind) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT r.value FROM node_references nr
		JOIN reference_values r ON r.uuid = nr.reference_uuid
		WHERE nr.node_uuid = ? AND nr.kind = ?
		ORDER BY r.value`, nodeUUID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s of %s: %w", kind, nodeUUID, err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// ReplaceReferences sets a node's list association to exactly refs
func ReplaceReferences(ctx context.Context, q Querier, nodeUUID uuid.UUID, kind core.ReferenceKind, refs []core.ReferenceValue) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM node_references WHERE node_uuid = ? AND kind = ?`, nodeUUID, string(kind)); err != nil {
		return fmt.Errorf("failed to clear %s of %s: %w", kind, nodeUUID, err)
	}
	for _, ref := range refs {
		if _, err := q.ExecContext(ctx, `INSERT INTO node_references (node_uuid, kind, reference_uuid) VALUES (?, ?, ?)`,
			nodeUUID, string(kind), ref.UUID); err != nil {
			return fmt.Errorf("failed to link %s %q to %s: %w", kind, ref.Value, nodeUUID, err)
		}
	}
	return nil
}
