package redisstate_test

import (
	"context"
	"testing"
	"time"

	redisstate "collab-music/internal/infra/state/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redisstate.RedisPresenceRepository) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redisstate.NewRedisPresenceRepository(client, "test:", time.Hour)
}

func TestPresence_AddListRemove(t *testing.T) {
	mr, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.AddOnline(ctx, "ABCDEF", "u2"))
	require.NoError(t, repo.AddOnline(ctx, "ABCDEF", "u1"))
	require.NoError(t, repo.AddOnline(ctx, "ABCDEF", "u1"))
	require.NoError(t, repo.AddOnline(ctx, "ZZZZZZ", "u9"))

	online, err := repo.ListOnline(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, online)

	assert.True(t, mr.Exists("test:room:ABCDEF:online"))
	assert.Equal(t, time.Hour, mr.TTL("test:room:ABCDEF:online"))

	require.NoError(t, repo.RemoveOnline(ctx, "ABCDEF", "u2"))
	online, err = repo.ListOnline(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, online)
}

func TestPresence_LastRemovalDeletesKey(t *testing.T) {
	mr, repo := setup(t)
	ctx := context.Background()

	require.NoError(t, repo.AddOnline(ctx, "ABCDEF", "u1"))
	require.NoError(t, repo.RemoveOnline(ctx, "ABCDEF", "u1"))

	assert.False(t, mr.Exists("test:room:ABCDEF:online"))
	online, err := repo.ListOnline(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPresence_RedisDown(t *testing.T) {
	mr, repo := setup(t)
	mr.Close()

	err := repo.AddOnline(context.Background(), "ABCDEF", "u1")
	assert.Error(t, err)
}
