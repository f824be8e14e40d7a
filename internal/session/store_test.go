package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
	"github.com/xiaot623/gogo/csagent/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *repository.SQLStore, *clock) {
	t.Helper()
	durable := testutil.NewTestSQLiteStore(t)
	clk := &clock{now: testutil.Now()}
	cache := NewMemoryCache(time.Hour)
	t.Cleanup(func() { _ = cache.Close() })

	logger := logging.Nop()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s := NewStore(durable, cache, audit.New(durable, logger), metrics.New(), logger,
		Config{IdleTTL: 24 * time.Hour, CacheTTL: 30 * time.Minute}, opts...)
	return s, durable, clk
}

func TestPersistEvictGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	created, err := s.Create(ctx, "u1", "acme")
	require.NoError(t, err)
	require.NoError(t, s.SetActiveSpecialist(ctx, created.ID, "risk", domain.RoutingKeyword))

	cached, err := s.Get(ctx, created.ID)
	require.NoError(t, err)

	s.Evict(ctx, created.ID)
	rehydrated, err := s.Get(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, cached, rehydrated)
	assert.Equal(t, "risk", rehydrated.ActiveSpecialist)
	assert.Equal(t, []string{"risk"}, rehydrated.SpecialistHistory)
	assert.Equal(t, created.CreatedAt, rehydrated.CreatedAt)
}

func TestGetUnknownSession(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveReusesPairSession(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	first, created, err := s.Resolve(ctx, "u1", "acme", "")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Resolve(ctx, "u1", "acme", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := s.Resolve(ctx, "u1", "globex", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	byID, _, err := s.Resolve(ctx, "u1", "", first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byID.ID)

	_, _, err = s.Resolve(ctx, "u2", "", first.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveConcurrentCreatesOneSession(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, _, err := s.Resolve(ctx, "u1", "acme", "")
			if err == nil {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestExpiredSessionStartsFresh(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestStore(t)

	old, _, err := s.Resolve(ctx, "u1", "acme", "")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, &domain.Message{SessionID: old.ID, Role: domain.RoleUser, Content: "hello"}))

	clk.Advance(25 * time.Hour)

	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, got.Status)

	fresh, created, err := s.Resolve(ctx, "u1", "acme", old.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, "acme", fresh.CustomerID)

	msgs, err := s.History(ctx, old.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestTouchExtendsDeadline(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestStore(t)

	sess, err := s.Create(ctx, "u1", "acme")
	require.NoError(t, err)

	clk.Advance(20 * time.Hour)
	require.NoError(t, s.Touch(ctx, sess.ID))
	clk.Advance(20 * time.Hour)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, got.Status)
}

func TestTouchNeverRevivesEndedSession(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	sess, err := s.Create(ctx, "u1", "acme")
	require.NoError(t, err)
	_, ended, err := s.End(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ended)

	require.NoError(t, s.Touch(ctx, sess.ID))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, got.Status)

	_, ended, err = s.End(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ended)
}

func TestSweepMarksIdleAndEndsExpired(t *testing.T) {
	ctx := context.Background()
	var endedIDs []string
	s, durable, clk := newTestStore(t, WithEndHook(func(_ context.Context, sess *domain.Session, reason string) {
		if reason == ReasonExpired {
			endedIDs = append(endedIDs, sess.ID)
		}
	}))

	sess, err := s.Create(ctx, "u1", "acme")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	ids, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	stored, err := durable.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusIdle, stored.Status)

	clk.Advance(24 * time.Hour)
	ids, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, ids)
	assert.Equal(t, []string{sess.ID}, endedIDs)

	entries, err := durable.ListAudit(ctx, sess.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "created", entries[0].Outcome)
	assert.Equal(t, "ended", entries[1].Outcome)
}

func TestRecentReturnsLatestMessages(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	sess, err := s.Create(ctx, "u1", "")
	require.NoError(t, err)

	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append(ctx, &domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: c}))
	}
	recent, err := s.Recent(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Content)
	assert.Equal(t, "d", recent[1].Content)
	assert.Less(t, recent[0].Seq, recent[1].Seq)
}
