package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	c, err := NewCache(config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 2})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})
	return c, mr
}

func TestGetMissReturnsErrMiss(t *testing.T) {
	c, _ := setupCache(t)

	_, err := c.Get(context.Background(), CallerKey("nope"))
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(context.Background(), CallerKey("fp"), "caller-1", time.Minute))
	v, err := c.Get(context.Background(), CallerKey("fp"))
	require.NoError(t, err)
	assert.Equal(t, "caller-1", v)
}

func TestIncrWindowExpires(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()
	key := RateLimitKey("caller-1", time.Unix(1700000000, 0))

	for i := 1; i <= 3; i++ {
		n, err := c.IncrWindow(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, i, n)
	}

	ttl, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(2 * time.Minute)
	n, err := c.IncrWindow(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSetNX(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, AlertNotifiedKey("a1"), 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, AlertNotifiedKey("a1"), 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}
