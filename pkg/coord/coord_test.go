package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromRedis(rdb), mr
}

func TestGetSet(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", time.Minute))
	v, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	// TTL expiry removes the key
	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNX(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim on a held key fails
	ok, err = client.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := client.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "holder-1", v)
}

func TestIncrBy(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	v, err := client.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = client.IncrBy(ctx, "counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestDel(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0))
	require.NoError(t, client.Del(ctx, "k"))
	_, err := client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvalReadModifyWrite(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "v", "10", 0))
	res, err := client.Eval(ctx, `
		local v = tonumber(redis.call("GET", KEYS[1]))
		v = v + tonumber(ARGV[1])
		redis.call("SET", KEYS[1], v)
		return v`, []string{"v"}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), res)
}

func TestTransientErrorWrapsIO(t *testing.T) {
	client, mr := newTestClient(t)
	mr.Close()

	err := client.Set(context.Background(), "k", "v", 0)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
