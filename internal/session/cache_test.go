package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/testutil"
)

func sampleSession() *domain.Session {
	now := testutil.Now()
	return &domain.Session{
		ID:                "s-1",
		UserID:            "u1",
		CustomerID:        "acme",
		ActiveSpecialist:  "risk",
		Status:            domain.SessionStatusActive,
		SpecialistHistory: []string{"generalist", "risk"},
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(24 * time.Hour),
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)
	defer c.Close()

	s := sampleSession()
	require.NoError(t, c.Set(ctx, s))
	assert.Equal(t, 1, c.Len())

	got, ok, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s, got)

	// Callers get copies.
	got.SpecialistHistory[0] = "mutated"
	again, _, _ := c.Get(ctx, s.ID)
	assert.Equal(t, "generalist", again.SpecialistHistory[0])

	require.NoError(t, c.Delete(ctx, s.ID))
	_, ok, err = c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisCache(t, time.Minute)

	s := sampleSession()
	require.NoError(t, c.Set(ctx, s))

	got, ok, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s, got)

	require.NoError(t, c.Delete(ctx, s.ID))
	_, ok, err = c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheSlidingTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newRedisCache(t, time.Minute)

	s := sampleSession()
	require.NoError(t, c.Set(ctx, s))

	mr.FastForward(40 * time.Second)
	_, ok, err := c.Get(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(40 * time.Second)
	_, ok, err = c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok, "hit should have extended the ttl")

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreOverRedisCache(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewTestSQLiteStore(t)
	c, _ := newRedisCache(t, time.Minute)
	s := NewStore(durable, c, nil, nil, logging.Nop(), Config{})

	created, err := s.Create(ctx, "u1", "acme")
	require.NoError(t, err)
	s.Evict(ctx, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}
