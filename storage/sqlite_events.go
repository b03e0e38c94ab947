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

// EventStorage persists events
type EventStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewEventStorage creates a new event storage handler
func NewEventStorage(db *SQLite, logger *zap.SugaredLogger) *EventStorage {
	return &EventStorage{db: db, logger: logger}
}

// Insert writes the event row. The node must already be registered.
func (s *EventStorage) Insert(ctx context.Context, q Querier, e *core.Event) error {
	_, err := q.ExecContext(ctx, `INSERT INTO events (uuid, name, status, creation_time) VALUES (?, ?, ?, ?)`,
		e.UUID, e.Name, nullString(e.Status), toNanos(e.CreationTime))
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", e.UUID, err)
	}
	return nil
}

// Save writes the scalar columns of e
func (s *EventStorage) Save(ctx context.Context, q Querier, e *core.Event) error {
	if _, err := q.ExecContext(ctx, `UPDATE events SET name = ?, status = ? WHERE uuid = ?`,
		e.Name, nullString(e.Status), e.UUID); err != nil {
		return fmt.Errorf("failed to save event %s: %w", e.UUID, err)
	}
	return nil
}

// Get returns the rendered event with its tags, threats and member submissions
func (s *EventStorage) Get(ctx context.Context, q Querier, id uuid.UUID) (*core.Event, error) {
	var (
		e            core.Event
		status       sql.NullString
		creationTime int64
	)
	err := q.QueryRowContext(ctx, `SELECT e.uuid, n.version, e.name, e.status, e.creation_time
		FROM events e JOIN nodes n ON n.uuid = e.uuid WHERE e.uuid = ?`, id).
		Scan(&e.UUID, &e.Version, &e.Name, &status, &creationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	e.Status = fromNullString(status)
	e.CreationTime = fromNanos(creationTime)

	if e.Tags, err = ReferenceValues(ctx, q, id, core.ReferenceTag); err != nil {
		return nil, err
	}
	if e.Threats, err = ReferenceValues(ctx, q, id, core.ReferenceThreat); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `SELECT uuid FROM submissions WHERE event_uuid = ? ORDER BY insert_time, uuid`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load submissions of event %s: %w", id, err)
	}
	if e.SubmissionUUIDs, err = scanUUIDs(rows); err != nil {
		return nil, err
	}
	if e.SubmissionUUIDs == nil {
		e.SubmissionUUIDs = []uuid.UUID{}
	}
	return &e, nil
}
