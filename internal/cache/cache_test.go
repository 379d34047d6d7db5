package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	Total    int      `json:"total"`
	Affected []string `json:"affected"`
}

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory[status](time.Minute).WithClock(func() time.Time { return now })

	_, ok, err := c.Get(ctx, "osteo-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "osteo-1", status{Total: 3}))
	got, ok, err := c.Get(ctx, "osteo-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Total)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "osteo-1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "osteo-1", status{Total: 4}))
	require.NoError(t, c.Delete(ctx, "osteo-1"))
	_, ok, _ = c.Get(ctx, "osteo-1")
	assert.False(t, ok)
}

func TestMemoryInstancesAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := NewMemory[status](time.Minute)
	b := NewMemory[status](time.Minute)

	require.NoError(t, a.Set(ctx, "k", status{Total: 1}))
	_, ok, _ := b.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	c := NewRedis[status](client, "test:"+uuid.NewString(), time.Minute)

	require.NoError(t, c.Set(ctx, "osteo-1", status{Total: 2, Affected: []string{"p1"}}))
	got, ok, err := c.Get(ctx, "osteo-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"p1"}, got.Affected)

	require.NoError(t, c.Delete(ctx, "osteo-1"))
	_, ok, err = c.Get(ctx, "osteo-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
