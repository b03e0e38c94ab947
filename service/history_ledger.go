package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryLedger writes and reads the append-only history of every node type.
//
// BUSINESS LOGIC:
//   - A CREATE record carries the full snapshot and no field or diff
//   - An update writes one record per changed field; all of them share one action time,
//     one actor and the snapshot taken after every change was applied
//   - The actor must be a known user
type HistoryLedger struct {
	history *storage.HistoryStorage
	users   *storage.SQLiteUserStorage
	clock   core.Clock
	logger  *zap.SugaredLogger
}

// NewHistoryLedger creates a ledger. Panics if a required dependency is nil.
func NewHistoryLedger(history *storage.HistoryStorage, users *storage.SQLiteUserStorage, clock core.Clock, logger *zap.SugaredLogger) *HistoryLedger {
	if history == nil {
		panic("history storage is required")
	}
	if users == nil {
		panic("user storage is required")
	}
	if clock == nil {
		panic("clock is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &HistoryLedger{history: history, users: users, clock: clock, logger: logger}
}

// ActionTime returns the backdated time from meta or the clock's current time
func (l *HistoryLedger) ActionTime(meta core.HistoryMeta) time.Time {
	if meta.HistoryTime != nil {
		return meta.HistoryTime.UTC()
	}
	return l.clock.Now()
}

// CheckActor validates that the acting user exists
func (l *HistoryLedger) CheckActor(ctx context.Context, q storage.Querier, meta core.HistoryMeta) (core.User, error) {
	if err := meta.Validate(); err != nil {
		return core.User{}, err
	}
	return l.users.GetUserByUsername(ctx, q, meta.HistoryUsername)
}

func marshalSnapshot(snapshot any) (json.RawMessage, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to render history snapshot: %w", err)
	}
	return data, nil
}

// RecordCreate writes the single CREATE record of a node
func (l *HistoryLedger) RecordCreate(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID, actor string, at time.Time, snapshot any) (core.HistoryRecord, error) {
	data, err := marshalSnapshot(snapshot)
	if err != nil {
		return core.HistoryRecord{}, err
	}
	rec := core.HistoryRecord{
		UUID:       uuid.New(),
		RecordUUID: id,
		Action:     core.HistoryActionCreate,
		ActionBy:   actor,
		ActionTime: at,
		Snapshot:   data,
	}
	if err := l.history.Append(ctx, q, nodeType, &rec); err != nil {
		return core.HistoryRecord{}, err
	}
	return rec, nil
}

// RecordUpdate writes one UPDATE record per diff, all sharing the post-update snapshot
func (l *HistoryLedger) RecordUpdate(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID, actor string, at time.Time, diffs []core.FieldDiff, snapshot any) ([]core.HistoryRecord, error) {
	if len(diffs) == 0 {
		return nil, nil
	}
	data, err := marshalSnapshot(snapshot)
	if err != nil {
		return nil, err
	}

	records := make([]core.HistoryRecord, 0, len(diffs))
	for _, d := range diffs {
		field := d.Field
		diff := d.Diff
		rec := core.HistoryRecord{
			UUID:       uuid.New(),
			RecordUUID: id,
			Action:     core.HistoryActionUpdate,
			ActionBy:   actor,
			ActionTime: at,
			Field:      &field,
			Diff:       &diff,
			Snapshot:   data,
		}
		if err := l.history.Append(ctx, q, nodeType, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadHistory returns a node's records ordered by action time
func (l *HistoryLedger) ReadHistory(ctx context.Context, q storage.Querier, nodeType core.NodeType, id uuid.UUID) ([]core.HistoryRecord, error) {
	return l.history.List(ctx, q, nodeType, id)
}
