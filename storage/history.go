package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ams/core"
	"ams/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryStorage appends to and reads the per-node-type history tables.
// Rows are only ever inserted.
type HistoryStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewHistoryStorage creates a new history storage handler
func NewHistoryStorage(db *SQLite, logger *zap.SugaredLogger) *HistoryStorage {
	return &HistoryStorage{db: db, logger: logger}
}

func historyTable(nodeType core.NodeType) (string, error) {
	table, ok := historyTables[string(nodeType)]
	if !ok {
		return "", fmt.Errorf("%w: node type %s has no history", core.ErrInvalidField, nodeType)
	}
	return table, nil
}

// Append writes one history record
func (s *HistoryStorage) Append(ctx context.Context, q Querier, nodeType core.NodeType, rec *core.HistoryRecord) error {
	table, err := historyTable(nodeType)
	if err != nil {
		return err
	}

	var diff sql.NullString
	if rec.Diff != nil {
		data, err := json.Marshal(rec.Diff)
		if err != nil {
			return fmt.Errorf("failed to marshal history diff: %w", err)
		}
		diff = sql.NullString{String: string(data), Valid: true}
	}

	query := fmt.Sprintf(`INSERT INTO %s (uuid, record_uuid, action, action_by, action_time, field, diff, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = q.ExecContext(ctx, query,
		rec.UUID,
		rec.RecordUUID,
		string(rec.Action),
		rec.ActionBy,
		toNanos(rec.ActionTime),
		nullString(rec.Field),
		diff,
		string(rec.Snapshot),
	)
	if err != nil {
		return fmt.Errorf("failed to append %s record for %s: %w", table, rec.RecordUUID, err)
	}

	metrics.HistoryRecordsWritten.WithLabelValues(nodeType.String(), string(rec.Action)).Inc()
	return nil
}

// List returns a node's history ordered by action time, then insertion order
func (s *HistoryStorage) List(ctx context.Context, q Querier, nodeType core.NodeType, recordUUID uuid.UUID) ([]core.HistoryRecord, error) {
	table, err := historyTable(nodeType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT uuid, record_uuid, action, action_by, action_time, field, diff, snapshot
		FROM %s WHERE record_uuid = ? ORDER BY action_time ASC, id ASC`, table)
	rows, err := q.QueryContext(ctx, query, recordUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	records := []core.HistoryRecord{}
	for rows.Next() {
		var (
			rec        core.HistoryRecord
			action     string
			actionTime int64
			field      sql.NullString
			diff       sql.NullString
			snapshot   string
		)
		if err := rows.Scan(&rec.UUID, &rec.RecordUUID, &action, &rec.ActionBy, &actionTime, &field, &diff, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		rec.Action = core.HistoryAction(action)
		rec.ActionTime = fromNanos(actionTime)
		rec.Field = fromNullString(field)
		rec.Snapshot = json.RawMessage(snapshot)
		if diff.Valid {
			var d core.Diff
			if err := json.Unmarshal([]byte(diff.String), &d); err != nil {
				return nil, fmt.Errorf("failed to decode %s diff: %w", table, err)
			}
			rec.Diff = &d
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
