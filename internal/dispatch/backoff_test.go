// internal/dispatch/backoff_test.go
package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newBackoffStore(t *testing.T) (*RedisBackoffStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBackoffStore(rdb), mr
}

func TestRedisBackoffStore_SetAndRemaining(t *testing.T) {
	store, _ := newBackoffStore(t)
	ctx := context.Background()

	assert.NoError(t, store.SetBackoff(ctx, 42, 30*time.Second))

	remaining, err := store.Remaining(ctx, 42)
	assert.NoError(t, err)
	assert.Greater(t, remaining, 25*time.Second)
	assert.LessOrEqual(t, remaining, 30*time.Second)
}

func TestRedisBackoffStore_NoBackoffIsZero(t *testing.T) {
	store, _ := newBackoffStore(t)

	remaining, err := store.Remaining(context.Background(), 42)
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestRedisBackoffStore_ExpiryClearsBackoff(t *testing.T) {
	store, mr := newBackoffStore(t)
	ctx := context.Background()

	assert.NoError(t, store.SetBackoff(ctx, 42, 10*time.Second))
	mr.FastForward(11 * time.Second)

	remaining, err := store.Remaining(ctx, 42)
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestRedisBackoffStore_UsersAreIndependent(t *testing.T) {
	store, _ := newBackoffStore(t)
	ctx := context.Background()

	assert.NoError(t, store.SetBackoff(ctx, 42, time.Minute))

	remaining, err := store.Remaining(ctx, 7)
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestRedisBackoffStore_NonPositiveDurationIsNoOp(t *testing.T) {
	store, _ := newBackoffStore(t)
	ctx := context.Background()

	assert.NoError(t, store.SetBackoff(ctx, 42, 0))

	remaining, err := store.Remaining(ctx, 42)
	assert.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)
}
