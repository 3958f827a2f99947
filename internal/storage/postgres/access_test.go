package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/levelsim/internal/doors"
	"github.com/cory-johannsen/levelsim/internal/level"
	"github.com/cory-johannsen/levelsim/internal/storage/postgres"
	"github.com/cory-johannsen/levelsim/internal/testutil"
)

func newRepo(t *testing.T) *postgres.AccessRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return postgres.NewAccessRepository(pc.RawPool)
}

func TestAccessRepository_CreateAndList(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	g, err := repo.Create(ctx, "guard", `g1d\d+`)
	require.NoError(t, err)
	assert.NotZero(t, g.ID)
	assert.Equal(t, "guard", g.Agent)
	assert.False(t, g.CreatedAt.IsZero())

	_, err = repo.Create(ctx, "guard", "g2d2")
	require.NoError(t, err)

	grants, err := repo.ListForAgent(ctx, "guard")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, `g1d\d+`, grants[0].Pattern)
	assert.Equal(t, "g2d2", grants[1].Pattern)
}

func TestAccessRepository_DuplicateGrant(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "guard", "g1d1")
	require.NoError(t, err)
	_, err = repo.Create(ctx, "guard", "g1d1")
	assert.ErrorIs(t, err, postgres.ErrGrantExists)

	_, err = repo.Create(ctx, "visitor", "g1d1")
	assert.NoError(t, err, "same pattern for another agent is allowed")
}

func TestAccessRepository_Delete(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, "guard", "g1d1")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "guard", "g1d1"))
	assert.ErrorIs(t, repo.Delete(ctx, "guard", "g1d1"), postgres.ErrGrantNotFound)

	grants, err := repo.ListForAgent(ctx, "guard")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestAccessRepository_LoadAll(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for _, g := range [][2]string{{"a", "g1d1"}, {"b", "g2d.*"}, {"a", "g1d2"}} {
		_, err := repo.Create(ctx, g[0], g[1])
		require.NoError(t, err)
	}
	all, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"a": {"g1d1", "g1d2"},
		"b": {"g2d.*"},
	}, all)
}

func TestPool_RequiresMigratedSchema(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	ctx := context.Background()

	_, err := postgres.NewPool(ctx, pc.Config)
	assert.ErrorIs(t, err, postgres.ErrSchemaMissing)

	pc.ApplyMigrations(t)
	require.NotNil(t, pc.Pool)
	assert.NoError(t, pc.Pool.Health(ctx, 5*time.Second))
}

func TestAccessRepository_RefreshReplacesStore(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	store := doors.NewAccessStore()
	require.NoError(t, store.Grant("stale", ".*"))

	_, err := repo.Create(ctx, "guard", `g1d\d+`)
	require.NoError(t, err)
	n, err := repo.Refresh(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"guard"}, store.Agents())
	assert.True(t, store.Allowed("guard", level.DoorRef{GmID: 1, DoorID: 4}))

	_, err = repo.Create(ctx, "broken", "g1d(")
	require.NoError(t, err)
	_, err = repo.Refresh(ctx, store)
	assert.Error(t, err)
	assert.Equal(t, []string{"guard"}, store.Agents(), "a bad pattern leaves the store untouched")
}
