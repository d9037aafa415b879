package owner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safereply/internal/config"
	"safereply/internal/repository"
	"safereply/pkg/db"
)

func TestRegistry_AllowList(t *testing.T) {
	r := NewRegistry([]config.OwnerConfig{
		{ID: "ou_a", Name: "A"},
		{ID: "ou_b", Disabled: true},
		{ID: ""},
		{ID: "ou_a", Name: "dup"},
		{ID: "ou_c"},
	})

	assert.True(t, r.Allowed("ou_a"))
	assert.False(t, r.Allowed("ou_b"))
	assert.False(t, r.Allowed("ou_x"))
	assert.Equal(t, []string{"ou_a", "ou_c"}, r.IDs())

	o, ok := r.Get("ou_a")
	require.True(t, ok)
	assert.Equal(t, "A", o.Name)
}

func TestRegistry_Sync(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := db.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.MigrateSQLite(ctx, sqlDB))
	stores := repository.NewSQLiteStores(sqlDB)

	r := NewRegistry([]config.OwnerConfig{{ID: "ou_a", Name: "A", Email: "a@example.com"}})
	users, err := r.Sync(ctx, stores.Users, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, users, 1)

	again, err := r.Sync(ctx, stores.Users, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, users[0].ID, again[0].ID)
	assert.Equal(t, "ou_a", again[0].ChannelID)
}
