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

// ObservableStorage persists observables and their list associations
type ObservableStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewObservableStorage creates a new observable storage handler
func NewObservableStorage(db *SQLite, logger *zap.SugaredLogger) *ObservableStorage {
	return &ObservableStorage{db: db, logger: logger}
}

const observableSelect = `SELECT o.uuid, n.version, t.value, o.value, o.context, o.expires_on, o.for_detection,
	o.time, o.redirection_uuid
	FROM observables o
	JOIN nodes n ON n.uuid = o.uuid
	JOIN reference_values t ON t.uuid = o.type_uuid`

func scanObservable(row interface{ Scan(...any) error }) (core.Observable, error) {
	var (
		o            core.Observable
		obsContext   sql.NullString
		expiresOn    sql.NullInt64
		forDetection int
		obsTime      int64
		redirection  uuid.NullUUID
	)
	if err := row.Scan(&o.UUID, &o.Version, &o.Type, &o.Value, &obsContext, &expiresOn, &forDetection, &obsTime, &redirection); err != nil {
		return core.Observable{}, err
	}
	o.Context = fromNullString(obsContext)
	o.ExpiresOn = fromNullNanos(expiresOn)
	o.ForDetection = forDetection == 1
	o.Time = fromNanos(obsTime)
	o.RedirectionUUID = fromNullUUID(redirection)
	return o, nil
}

// Insert writes the observable row. The node must already be registered.
func (s *ObservableStorage) Insert(ctx context.Context, q Querier, o *core.Observable, typeUUID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `INSERT INTO observables
		(uuid, type_uuid, value, context, expires_on, for_detection, time, redirection_uuid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UUID, typeUUID, o.Value, nullString(o.Context), nullNanos(o.ExpiresOn),
		boolToInt(o.ForDetection), toNanos(o.Time), nullUUID(o.RedirectionUUID))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: observable %s %q: %v", ErrConstraintViolation, o.Type, o.Value, err)
		}
		return fmt.Errorf("failed to insert observable %s: %w", o.UUID, err)
	}
	return nil
}

// Save writes the scalar columns of o
func (s *ObservableStorage) Save(ctx context.Context, q Querier, o *core.Observable) error {
	_, err := q.ExecContext(ctx, `UPDATE observables
		SET context = ?, expires_on = ?, for_detection = ?, time = ?, redirection_uuid = ?
		WHERE uuid = ?`,
		nullString(o.Context), nullNanos(o.ExpiresOn), boolToInt(o.ForDetection), toNanos(o.Time),
		nullUUID(o.RedirectionUUID), o.UUID)
	if err != nil {
		return fmt.Errorf("failed to save observable %s: %w", o.UUID, err)
	}
	return nil
}

func (s *ObservableStorage) loadLists(ctx context.Context, q Querier, o *core.Observable) error {
	var err error
	if o.Tags, err = ReferenceValues(ctx, q, o.UUID, core.ReferenceTag); err != nil {
		return err
	}
	if o.Directives, err = ReferenceValues(ctx, q, o.UUID, core.ReferenceDirective); err != nil {
		return err
	}
	if o.Threats, err = ReferenceValues(ctx, q, o.UUID, core.ReferenceThreat); err != nil {
		return err
	}
	o.ThreatActors, err = ReferenceValues(ctx, q, o.UUID, core.ReferenceThreatActor)
	return err
}

// Get returns the fully rendered observable
func (s *ObservableStorage) Get(ctx context.Context, q Querier, id uuid.UUID) (*core.Observable, error) {
	o, err := scanObservable(q.QueryRowContext(ctx, observableSelect+` WHERE o.uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.UUIDNotFound("observable", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observable %s: %w", id, err)
	}
	if err := s.loadLists(ctx, q, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// FindByTypeValue returns the observable with the natural key (type, value)
func (s *ObservableStorage) FindByTypeValue(ctx context.Context, q Querier, typeValue, value string) (*core.Observable, error) {
	o, err := scanObservable(q.QueryRowContext(ctx, observableSelect+` WHERE t.kind = 'observable_type' AND t.value = ? AND o.value = ?`, typeValue, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ValueNotFound("observable", typeValue+":"+value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find observable %s %q: %w", typeValue, value, err)
	}
	if err := s.loadLists(ctx, q, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetMany loads observables by uuid with their list fields
func (s *ObservableStorage) GetMany(ctx context.Context, q Querier, ids []uuid.UUID) (map[uuid.UUID]core.Observable, error) {
	out := make(map[uuid.UUID]core.Observable, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		o, err := s.Get(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out[id] = *o
	}
	return out, nil
}
