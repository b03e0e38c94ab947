package service

import (
	"context"
	"database/sql"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReferenceService manages value-keyed reference data and users
type ReferenceService struct {
	stores *Stores
	logger *zap.SugaredLogger
}

// NewReferenceService creates a new ReferenceService. Panics if a required dependency is nil.
func NewReferenceService(stores *Stores, logger *zap.SugaredLogger) *ReferenceService {
	if stores == nil {
		panic("stores are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &ReferenceService{stores: stores, logger: logger}
}

// Create adds a reference value. Creating an existing value returns the existing row
// with created=false.
func (s *ReferenceService) Create(ctx context.Context, kind core.ReferenceKind, in core.ReferenceCreate) (core.ReferenceValue, bool, error) {
	if in.Value == "" {
		return core.ReferenceValue{}, false, core.InvalidField("value", "is required")
	}
	if in.Rank != nil && kind != core.ReferenceDisposition {
		return core.ReferenceValue{}, false, core.InvalidField("rank", "only applies to dispositions")
	}
	if in.CacheSeconds != nil && kind != core.ReferenceAnalysisModuleType {
		return core.ReferenceValue{}, false, core.InvalidField("cache_seconds", "only applies to analysis module types")
	}

	var ref core.ReferenceValue
	var created bool
	err := s.stores.DB.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		ref, created, err = s.stores.References.Create(ctx, tx, kind, in)
		return err
	})
	if err != nil {
		return core.ReferenceValue{}, false, err
	}
	if created {
		s.logger.Infow("Reference value created", "kind", kind, "value", ref.Value, "uuid", ref.UUID)
	}
	return ref, created, nil
}

// List returns every value of a kind
func (s *ReferenceService) List(ctx context.Context, kind core.ReferenceKind) ([]core.ReferenceValue, error) {
	return s.stores.References.List(ctx, s.stores.DB.ReadDB, kind)
}

// Update changes a reference value. A value or rank already used by another row is
// reported as false with no error and leaves the row unchanged.
func (s *ReferenceService) Update(ctx context.Context, kind core.ReferenceKind, id uuid.UUID, in core.ReferenceUpdate) (bool, error) {
	if in.Rank.IsSet() && kind != core.ReferenceDisposition {
		return false, core.InvalidField("rank", "only applies to dispositions")
	}
	if in.CacheSeconds.IsSet() && kind != core.ReferenceAnalysisModuleType {
		return false, core.InvalidField("cache_seconds", "only applies to analysis module types")
	}

	var ok bool
	err := s.stores.DB.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = s.stores.References.Update(ctx, tx, kind, id, in)
		return err
	})
	return ok, err
}

// Delete removes a reference value that is no longer used
func (s *ReferenceService) Delete(ctx context.Context, kind core.ReferenceKind, id uuid.UUID) error {
	return s.stores.DB.WithTransaction(ctx, func(tx *sql.Tx) error {
		return s.stores.References.Delete(ctx, tx, kind, id)
	})
}

// CreateUser adds an analyst account. An existing username is returned with created=false.
func (s *ReferenceService) CreateUser(ctx context.Context, in core.UserCreate) (core.User, bool, error) {
	if in.Username == "" {
		return core.User{}, false, core.InvalidField("username", "is required")
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}

	var user core.User
	var created bool
	err := s.stores.DB.WithTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		user, created, err = s.stores.Users.CreateUser(ctx, tx, in)
		return err
	})
	return user, created, err
}

// ListUsers returns every user
func (s *ReferenceService) ListUsers(ctx context.Context) ([]core.User, error) {
	return s.stores.Users.ListUsers(ctx, s.stores.DB.ReadDB)
}
