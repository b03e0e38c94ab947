package service

import (
	"context"
	"database/sql"
	"strings"

	"ams/core"
	"ams/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventService manages events, the containers submissions are attached to
type EventService struct {
	entities *EntityStore
	stores   *Stores
	logger   *zap.SugaredLogger
}

// NewEventService creates a new EventService. Panics if a required dependency is nil.
func NewEventService(entities *EntityStore, logger *zap.SugaredLogger) *EventService {
	if entities == nil {
		panic("entity store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &EventService{entities: entities, stores: entities.stores, logger: logger}
	entities.RegisterRenderer(core.NodeTypeEvent, func(ctx context.Context, q storage.Querier, id uuid.UUID) (any, error) {
		return s.stores.Events.Get(ctx, q, id)
	})
	return s
}

// Create creates an event
func (s *EventService) Create(ctx context.Context, in core.EventCreate) (*core.Event, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, core.InvalidField("name", "is required")
	}
	id := uuid.New()
	if in.UUID != nil {
		id = *in.UUID
	}

	var out *core.Event
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		lists, err := s.entities.resolveLists(ctx, tx, map[core.ReferenceKind][]string{
			core.ReferenceTag:    in.Tags,
			core.ReferenceThreat: in.Threats,
		})
		if err != nil {
			return err
		}
		if err := s.entities.register(ctx, tx, core.NodeTypeEvent, id); err != nil {
			return err
		}
		event := &core.Event{UUID: id, Name: in.Name, Status: in.Status, CreationTime: m.at}
		if err := s.stores.Events.Insert(ctx, tx, event); err != nil {
			return err
		}
		if err := s.entities.replaceLists(ctx, tx, id, lists); err != nil {
			return err
		}
		if err := s.entities.recordCreate(ctx, tx, core.NodeTypeEvent, id, m); err != nil {
			return err
		}
		out, err = s.stores.Events.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Event created", "uuid", out.UUID, "name", out.Name)
	return out, nil
}

// Get returns an event
func (s *EventService) Get(ctx context.Context, id uuid.UUID) (*core.Event, error) {
	return s.stores.Events.Get(ctx, s.entities.read(), id)
}

// Update changes an event's name, status, tags or threats
func (s *EventService) Update(ctx context.Context, id uuid.UUID, in core.EventUpdate) (*core.Event, error) {
	var out *core.Event
	err := s.entities.write(ctx, func(tx *sql.Tx) error {
		if err := s.entities.check(ctx, tx, core.NodeTypeEvent, id, in.Version); err != nil {
			return err
		}
		m, err := s.entities.begin(ctx, tx, in.HistoryMeta)
		if err != nil {
			return err
		}
		event, err := s.stores.Events.Get(ctx, tx, id)
		if err != nil {
			return err
		}

		var diffs []core.FieldDiff
		if in.Name.IsSet() {
			name, ok := in.Name.Value()
			if !ok || strings.TrimSpace(name) == "" {
				return core.InvalidField("name", "cannot be empty")
			}
			if d, changed := core.ScalarDiff("name", event.Name, name); changed {
				diffs = append(diffs, d)
				event.Name = name
			}
		}
		if in.Status.IsSet() {
			if d, changed := core.ScalarDiff("status", event.Status, in.Status.Ptr()); changed {
				diffs = append(diffs, d)
				event.Status = in.Status.Ptr()
			}
		}

		pending := make(map[core.ReferenceKind][]core.ReferenceValue)
		if err := s.entities.listUpdate(ctx, tx, "tags", core.ReferenceTag, in.Tags, &event.Tags, &diffs, pending); err != nil {
			return err
		}
		if err := s.entities.listUpdate(ctx, tx, "threats", core.ReferenceThreat, in.Threats, &event.Threats, &diffs, pending); err != nil {
			return err
		}
		if len(diffs) == 0 {
			out = event
			return nil
		}

		if err := s.stores.Events.Save(ctx, tx, event); err != nil {
			return err
		}
		if err := s.entities.replaceLists(ctx, tx, id, pending); err != nil {
			return err
		}
		if _, err := s.entities.commit(ctx, tx, core.NodeTypeEvent, id, m, diffs); err != nil {
			return err
		}
		out, err = s.stores.Events.Get(ctx, tx, id)
		return err
	})
	return out, err
}

// History returns an event's ledger
func (s *EventService) History(ctx context.Context, id uuid.UUID) ([]core.HistoryRecord, error) {
	return s.entities.history(ctx, core.NodeTypeEvent, id)
}
