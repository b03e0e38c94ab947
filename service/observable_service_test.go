package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"ams/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservableService_CreateIsIdempotent(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()

	first, created, err := env.Observables.Create(ctx, core.ObservableCreate{
		Type: "ipv4", Value: "10.0.0.1", HistoryMeta: meta("analyst"),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := env.Observables.Create(ctx, core.ObservableCreate{
		Type: "ipv4", Value: "10.0.0.1", Context: strPtr("seen again"), HistoryMeta: meta("bob"),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.UUID, second.UUID)
	assert.Equal(t, first.Version, second.Version)
	assert.Nil(t, second.Context, "duplicate create does not overwrite the stored row")

	var count int
	require.NoError(t, env.Stores.DB.ReadDB.QueryRow(`SELECT COUNT(*) FROM observables WHERE value = ?`, "10.0.0.1").Scan(&count))
	assert.Equal(t, 1, count)

	history, err := env.Observables.History(ctx, first.UUID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.HistoryActionCreate, history[0].Action)
}

func TestObservableService_SameValueDifferentType(t *testing.T) {
	env := setupTestServices(t)

	a := env.createObservable(t, "fqdn", "example.com", nil)
	b := env.createObservable(t, "url", "example.com", nil)
	assert.NotEqual(t, a.UUID, b.UUID)
}

func TestObservableService_CreateWithSuppliedUUID(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()
	id := uuid.New()

	obs, created, err := env.Observables.Create(ctx, core.ObservableCreate{
		UUID: &id, Type: "ipv4", Value: "10.1.1.1", HistoryMeta: meta("analyst"),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, obs.UUID)

	replay, created, err := env.Observables.Create(ctx, core.ObservableCreate{
		UUID: &id, Type: "ipv4", Value: "10.1.1.1", HistoryMeta: meta("analyst"),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, replay.UUID)

	_, _, err = env.Observables.Create(ctx, core.ObservableCreate{
		UUID: &id, Type: "ipv4", Value: "10.2.2.2", HistoryMeta: meta("analyst"),
	})
	assert.ErrorIs(t, err, core.ErrDuplicateUUID)
}

func TestObservableService_CreateUnknownReferences(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()

	_, _, err := env.Observables.Create(ctx, core.ObservableCreate{Type: "email", Value: "x", HistoryMeta: meta("analyst")})
	assert.ErrorIs(t, err, core.ErrValueNotFound)

	_, _, err = env.Observables.Create(ctx, core.ObservableCreate{
		Type: "ipv4", Value: "x", Tags: []string{"nope", "a", "missing"}, HistoryMeta: meta("analyst"),
	})
	require.ErrorIs(t, err, core.ErrValueNotFound)
	assert.Contains(t, err.Error(), "nope")
	assert.Contains(t, err.Error(), "missing")
}

func TestObservableService_CreateMany(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()
	existing := env.createObservable(t, "ipv4", "1.1.1.1", nil)

	out, err := env.Observables.CreateMany(ctx, []core.ObservableCreate{
		{Type: "ipv4", Value: "1.1.1.1", HistoryMeta: meta("analyst")},
		{Type: "fqdn", Value: "one.one.one.one", HistoryMeta: meta("analyst")},
		{Type: "fqdn", Value: "one.one.one.one", HistoryMeta: meta("analyst")},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, existing.UUID, out[0].UUID)
	assert.Equal(t, out[1].UUID, out[2].UUID)
	assert.NotEqual(t, out[0].UUID, out[1].UUID)
}

func TestObservableService_CreateManyAbortsOnFailure(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()

	_, err := env.Observables.CreateMany(ctx, []core.ObservableCreate{
		{Type: "ipv4", Value: "2.2.2.2", HistoryMeta: meta("analyst")},
		{Type: "email", Value: "bad@example.com", HistoryMeta: meta("analyst")},
	})
	require.Error(t, err)
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Index)
	assert.ErrorIs(t, err, core.ErrValueNotFound)

	var count int
	require.NoError(t, env.Stores.DB.ReadDB.QueryRow(`SELECT COUNT(*) FROM observables`).Scan(&count))
	assert.Zero(t, count)
}

func TestObservableService_StaleVersionLeavesRowUnchanged(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()
	obs := env.createObservable(t, "ipv4", "192.168.0.1", nil)
	stale := uuid.New()

	_, err := env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		Version:      &stale,
		Context:      core.Set("changed"),
		ForDetection: core.Set(true),
		Tags:         core.Set([]string{"a"}),
		HistoryMeta:  meta("analyst"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrVersionMismatch)

	after, err := env.Observables.Get(ctx, obs.UUID)
	require.NoError(t, err)
	assert.Equal(t, obs, after)

	history, err := env.Observables.History(ctx, obs.UUID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestObservableService_Update(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()
	obs := env.createObservable(t, "ipv4", "192.168.0.2", nil)
	target := env.createObservable(t, "ipv4", "192.168.0.3", nil)
	expires := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	updated, err := env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		Version:         &obs.Version,
		Context:         core.Set("gateway"),
		ExpiresOn:       core.Set(expires),
		ForDetection:    core.Set(true),
		RedirectionUUID: core.Set(target.UUID),
		Directives:      core.Set([]string{"sandbox"}),
		HistoryMeta:     meta("alice"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, obs.Version, updated.Version)
	assert.Equal(t, "gateway", *updated.Context)
	assert.True(t, updated.ForDetection)
	assert.Equal(t, target.UUID, *updated.RedirectionUUID)
	assert.Equal(t, []string{"sandbox"}, updated.Directives)

	history, err := env.Observables.History(ctx, obs.UUID)
	require.NoError(t, err)
	byField := make(map[string]*core.Diff)
	for _, r := range updates(history) {
		byField[*r.Field] = r.Diff
	}
	require.Len(t, byField, 5)
	assert.Nil(t, byField["context"].OldValue)
	assert.Equal(t, "gateway", byField["context"].NewValue)
	assert.Equal(t, core.FormatTime(expires), byField["expires_on"].NewValue)
	assert.Equal(t, false, byField["for_detection"].OldValue)
	assert.Equal(t, true, byField["for_detection"].NewValue)
	assert.Equal(t, target.UUID.String(), byField["redirection_uuid"].NewValue)
	assert.Equal(t, []string{"sandbox"}, byField["directives"].AddedToList)

	cleared, err := env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		Context:         core.Null[string](),
		RedirectionUUID: core.Null[uuid.UUID](),
		HistoryMeta:     meta("alice"),
	})
	require.NoError(t, err)
	assert.Nil(t, cleared.Context)
	assert.Nil(t, cleared.RedirectionUUID)
}

func TestObservableService_UpdateRejectsBadValues(t *testing.T) {
	env := setupTestServices(t)
	ctx := context.Background()
	obs := env.createObservable(t, "ipv4", "192.168.0.4", nil)

	_, err := env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		RedirectionUUID: core.Set(obs.UUID), HistoryMeta: meta("analyst"),
	})
	assert.ErrorIs(t, err, core.ErrInvalidField)

	_, err = env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		ForDetection: core.Null[bool](), HistoryMeta: meta("analyst"),
	})
	assert.ErrorIs(t, err, core.ErrInvalidField)

	_, err = env.Observables.Update(ctx, obs.UUID, core.ObservableUpdate{
		RedirectionUUID: core.Set(uuid.New()), HistoryMeta: meta("analyst"),
	})
	assert.ErrorIs(t, err, core.ErrUUIDNotFound)
}

func TestObservableService_WrongNodeType(t *testing.T) {
	env := setupTestServices(t)
	sub := env.createSubmission(t)

	_, err := env.Observables.Update(context.Background(), sub.UUID, core.ObservableUpdate{
		Context: core.Set("x"), HistoryMeta: meta("analyst"),
	})
	assert.ErrorIs(t, err, core.ErrUUIDNotFound)
}
