package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ams/core"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const defaultReferenceCacheSize = 4096

// ReferenceStorage stores value-keyed reference data. Resolved values are kept in an
// LRU keyed by kind and value; updates and deletes evict.
type ReferenceStorage struct {
	db     *SQLite
	logger *zap.SugaredLogger
	cache  *lru.Cache[string, core.ReferenceValue]
}

// NewReferenceStorage creates a new reference storage with an LRU of the given size
func NewReferenceStorage(db *SQLite, logger *zap.SugaredLogger, cacheSize int) (*ReferenceStorage, error) {
	if cacheSize <= 0 {
		cacheSize = defaultReferenceCacheSize
	}
	cache, err := lru.New[string, core.ReferenceValue](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference cache: %w", err)
	}
	return &ReferenceStorage{db: db, logger: logger, cache: cache}, nil
}

func referenceCacheKey(kind core.ReferenceKind, value string) string {
	return string(kind) + "\x00" + value
}

const referenceColumns = `uuid, kind, value, description, rank, cache_seconds`

func scanReference(row interface{ Scan(...any) error }) (core.ReferenceValue, error) {
	var (
		ref          core.ReferenceValue
		kind         string
		description  sql.NullString
		rank         sql.NullInt64
		cacheSeconds sql.NullInt64
	)
	if err := row.Scan(&ref.UUID, &kind, &ref.Value, &description, &rank, &cacheSeconds); err != nil {
		return core.ReferenceValue{}, err
	}
	ref.Kind = core.ReferenceKind(kind)
	ref.Description = fromNullString(description)
	ref.Rank = fromNullInt(rank)
	ref.CacheSeconds = fromNullInt(cacheSeconds)
	return ref, nil
}

// Create inserts a reference value. An existing value of the same kind is returned with
// created=false. The insert runs in a savepoint so a rejected row leaves tx usable.
//
// ERRORS:
//   - ErrDuplicateUUID when the supplied uuid belongs to another row
//   - ErrInvalidField when a disposition rank is already taken
func (s *ReferenceStorage) Create(ctx context.Context, tx *sql.Tx, kind core.ReferenceKind, in core.ReferenceCreate) (core.ReferenceValue, bool, error) {
	ref := core.ReferenceValue{
		UUID:         uuid.New(),
		Kind:         kind,
		Value:        in.Value,
		Description:  in.Description,
		Rank:         in.Rank,
		CacheSeconds: in.CacheSeconds,
	}
	if in.UUID != nil {
		ref.UUID = *in.UUID
	}

	err := WithSavepoint(ctx, tx, "reference_create", func() error {
		_, err := tx.ExecContext(ctx, `INSERT INTO reference_values (`+referenceColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			ref.UUID, string(kind), ref.Value, nullString(ref.Description), nullInt(ref.Rank), nullInt(ref.CacheSeconds))
		return err
	})
	if err == nil {
		return ref, true, nil
	}
	if !IsUniqueViolation(err) {
		return core.ReferenceValue{}, false, fmt.Errorf("failed to create %s %q: %w", kind, in.Value, err)
	}

	existing, lookupErr := s.lookup(ctx, tx, kind, in.Value)
	if lookupErr == nil {
		s.logger.Debugw("Reference value already exists", "kind", kind, "value", in.Value, "uuid", existing.UUID)
		return existing, false, nil
	}
	if !errors.Is(lookupErr, core.ErrValueNotFound) {
		return core.ReferenceValue{}, false, lookupErr
	}
	if strings.Contains(err.Error(), "reference_values.uuid") {
		return core.ReferenceValue{}, false, fmt.Errorf("%w: %s", core.ErrDuplicateUUID, ref.UUID)
	}
	return core.ReferenceValue{}, false, core.InvalidField("rank", "is already used by another "+kind.String())
}

func (s *ReferenceStorage) lookup(ctx context.Context, q Querier, kind core.ReferenceKind, value string) (core.ReferenceValue, error) {
	row := q.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_values WHERE kind = ? AND value = ?`, string(kind), value)
	ref, err := scanReference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ReferenceValue{}, core.ValueNotFound(kind.String(), value)
	}
	if err != nil {
		return core.ReferenceValue{}, fmt.Errorf("failed to look up %s %q: %w", kind, value, err)
	}
	return ref, nil
}

// ResolveOne translates a single natural key into its reference row
func (s *ReferenceStorage) ResolveOne(ctx context.Context, q Querier, kind core.ReferenceKind, value string) (core.ReferenceValue, error) {
	if ref, ok := s.cache.Get(referenceCacheKey(kind, value)); ok {
		return ref, nil
	}
	ref, err := s.lookup(ctx, q, kind, value)
	if err != nil {
		return core.ReferenceValue{}, err
	}
	s.cache.Add(referenceCacheKey(kind, value), ref)
	return ref, nil
}

// Resolve translates natural keys into reference rows, deduplicating the input.
// Every missing value is named in a single ErrValueNotFound.
func (s *ReferenceStorage) Resolve(ctx context.Context, q Querier, kind core.ReferenceKind, values []string) ([]core.ReferenceValue, error) {
	values = core.DedupeValues(values)
	refs := make([]core.ReferenceValue, 0, len(values))
	var missing []string
	for _, v := range values {
		ref, err := s.ResolveOne(ctx, q, kind, v)
		if errors.Is(err, core.ErrValueNotFound) {
			missing = append(missing, v)
			continue
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if len(missing) > 0 {
		return nil, core.ValueNotFound(kind.String(), missing...)
	}
	return refs, nil
}

// Get returns a reference row by uuid
func (s *ReferenceStorage) Get(ctx context.Context, q Querier, kind core.ReferenceKind, id uuid.UUID) (core.ReferenceValue, error) {
	row := q.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_values WHERE kind = ? AND uuid = ?`, string(kind), id)
	ref, err := scanReference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ReferenceValue{}, core.UUIDNotFound(kind.String(), id)
	}
	if err != nil {
		return core.ReferenceValue{}, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	return ref, nil
}

// List returns every value of a kind. Dispositions are ordered by rank.
func (s *ReferenceStorage) List(ctx context.Context, q Querier, kind core.ReferenceKind) ([]core.ReferenceValue, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+referenceColumns+` FROM reference_values WHERE kind = ?
		ORDER BY rank IS NULL, rank, value`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	refs := []core.ReferenceValue{}
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Update applies the set fields of in. A uniqueness violation (value or rank) rolls back
// only this update's savepoint and is reported as false with a nil error.
func (s *ReferenceStorage) Update(ctx context.Context, tx *sql.Tx, kind core.ReferenceKind, id uuid.UUID, in core.ReferenceUpdate) (bool, error) {
	current, err := s.Get(ctx, tx, kind, id)
	if err != nil {
		return false, err
	}

	var sets []string
	var args []any
	if in.Value.IsSet() {
		v, ok := in.Value.Value()
		if !ok || strings.TrimSpace(v) == "" {
			return false, core.InvalidField("value", "cannot be empty")
		}
		sets = append(sets, "value = ?")
		args = append(args, v)
	}
	if in.Description.IsSet() {
		sets = append(sets, "description = ?")
		args = append(args, nullString(in.Description.Ptr()))
	}
	if in.Rank.IsSet() {
		sets = append(sets, "rank = ?")
		args = append(args, nullInt(in.Rank.Ptr()))
	}
	if in.CacheSeconds.IsSet() {
		sets = append(sets, "cache_seconds = ?")
		args = append(args, nullInt(in.CacheSeconds.Ptr()))
	}
	if len(sets) == 0 {
		return true, nil
	}
	args = append(args, id)

	err = WithSavepoint(ctx, tx, "reference_update", func() error {
		_, err := tx.ExecContext(ctx, `UPDATE reference_values SET `+strings.Join(sets, ", ")+` WHERE uuid = ?`, args...)
		return err
	})
	if err != nil {
		if IsUniqueViolation(err) {
			s.logger.Infow("Reference update rejected by uniqueness rule", "kind", kind, "uuid", id, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}
	if err := s.bumpGeneration(ctx, tx); err != nil {
		return false, err
	}

	s.cache.Remove(referenceCacheKey(kind, current.Value))
	return true, nil
}

// Delete removes a reference value that nothing points at
func (s *ReferenceStorage) Delete(ctx context.Context, q Querier, kind core.ReferenceKind, id uuid.UUID) error {
	current, err := s.Get(ctx, q, kind, id)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM reference_values WHERE uuid = ?`, id); err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s %q is still in use", ErrConstraintViolation, kind, current.Value)
		}
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if err := s.bumpGeneration(ctx, q); err != nil {
		return err
	}
	s.cache.Remove(referenceCacheKey(kind, current.Value))
	return nil
}

// Generation returns the counter moved by every reference update and delete
func (s *ReferenceStorage) Generation(ctx context.Context, q Querier) (int64, error) {
	var generation int64
	err := q.QueryRowContext(ctx, `SELECT generation FROM reference_generation WHERE id = 1`).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("failed to read reference generation: %w", err)
	}
	return generation, nil
}

func (s *ReferenceStorage) bumpGeneration(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `UPDATE reference_generation SET generation = generation + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump reference generation: %w", err)
	}
	return nil
}

// Purge drops every cached entry
func (s *ReferenceStorage) Purge() {
	s.cache.Purge()
}
