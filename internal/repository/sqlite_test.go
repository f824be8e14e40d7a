package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func seedSession(t *testing.T, store *SQLStore, id, user, customer string) *domain.Session {
	t.Helper()
	ts := now()
	s := &domain.Session{
		ID:             id,
		UserID:         user,
		CustomerID:     customer,
		Status:         domain.SessionStatusActive,
		CreatedAt:      ts,
		LastActivityAt: ts,
		ExpiresAt:      ts.Add(24 * time.Hour),
	}
	if err := store.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

func seedMessage(t *testing.T, store *SQLStore, sessionID, id string) *domain.Message {
	t.Helper()
	m := &domain.Message{ID: id, SessionID: sessionID, Role: domain.RoleAgent, Content: "reply", SpecialistID: "risk", CreatedAt: now()}
	if err := store.AppendMessage(context.Background(), m); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	return m
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	var count int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	want := seedSession(t, store, "s1", "u1", "acme")

	require.NoError(t, store.SetActiveSpecialist(ctx, "s1", "risk", domain.RoutingKeyword, now()))
	require.NoError(t, store.SetActiveSpecialist(ctx, "s1", "renewal", domain.RoutingHandoff, now()))
	want.ActiveSpecialist = "renewal"
	want.SpecialistHistory = []string{"risk", "renewal"}

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	missing, err := store.GetSession(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFindActiveSessionSkipsEnded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "old", "u1", "acme")
	ok, err := store.EndSession(ctx, "old", now())
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := store.FindActiveSession(ctx, "u1", "acme")
	require.NoError(t, err)
	assert.Nil(t, found)

	seedSession(t, store, "new", "u1", "acme")
	seedSession(t, store, "nocustomer", "u1", "")
	found, err = store.FindActiveSession(ctx, "u1", "acme")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "new", found.ID)

	found, err = store.FindActiveSession(ctx, "u1", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "nocustomer", found.ID)

	ok, err = store.EndSession(ctx, "old", now())
	require.NoError(t, err)
	assert.False(t, ok, "ending twice is a no-op")
}

func TestTouchNeverRevivesEndedSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "s1", "u1", "")
	_, err := store.EndSession(ctx, "s1", now())
	require.NoError(t, err)

	ok, err := store.TouchSession(ctx, "s1", now(), now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := store.GetSession(ctx, "s1")
	assert.Equal(t, domain.SessionStatusEnded, got.Status)
}

func TestIdleAndExpirySweep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	s := seedSession(t, store, "s1", "u1", "")
	seedSession(t, store, "s2", "u2", "")

	n, err := store.MarkIdleSessions(ctx, s.LastActivityAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ended, err := store.EndExpiredSessions(ctx, s.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ended)

	ended, err = store.EndExpiredSessions(ctx, s.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ended)
}

func TestMessagesAreSequencedPerSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "s1", "u1", "")
	seedSession(t, store, "s2", "u1", "")

	m1 := seedMessage(t, store, "s1", "m1")
	m2 := seedMessage(t, store, "s1", "m2")
	other := seedMessage(t, store, "s2", "m3")
	assert.Equal(t, int64(1), m1.Seq)
	assert.Equal(t, int64(2), m2.Seq)
	assert.Equal(t, int64(1), other.Seq)

	msgs, err := store.ListMessages(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, *m1, msgs[0])

	after, err := store.ListMessages(ctx, "s1", 1, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "m2", after[0].ID)
}

func TestConcurrentAppendsKeepStrictOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "s1", "u1", "")

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendMessage(ctx, &domain.Message{
				ID: fmt.Sprintf("m%02d", i), SessionID: "s1", Role: domain.RoleUser, Content: "x", CreatedAt: now(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(ctx, "s1", 0, 100)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestToolCallRoundTripAndGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "s1", "u1", "")
	seedMessage(t, store, "s1", "m1")

	tc := &domain.ToolCall{
		ID: "tc1", MessageID: "m1", SessionID: "s1", Ordinal: 0, ToolName: "customer.lookup",
		Arguments: json.RawMessage(`{"customer_id":"acme"}`), RequestingSpecialist: "risk",
		PolicyVerdict: domain.PolicyAutoApprove, Status: domain.ToolCallStatusRunning,
		IdempotencyKey: "tc1", CreatedAt: now(),
	}
	require.NoError(t, store.CreateToolCall(ctx, tc))

	done := now()
	tc.Status = domain.ToolCallStatusExecuted
	tc.Result = json.RawMessage(`{"name":"Acme"}`)
	tc.Attempts = 1
	tc.CompletedAt = &done
	ok, err := store.UpdateToolCall(ctx, tc, domain.ToolCallStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetToolCall(ctx, "tc1")
	require.NoError(t, err)
	assert.Equal(t, tc, got)

	tc.Status = domain.ToolCallStatusFailed
	ok, err = store.UpdateToolCall(ctx, tc, domain.ToolCallStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok, "terminal call must not be overwritten")

	msg, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tc1"}, msg.ToolCallIDs)
}

func seedPendingApproval(t *testing.T, store *SQLStore) (*domain.ToolCall, *domain.ApprovalRequest) {
	t.Helper()
	seedSession(t, store, "s1", "u1", "acme")
	seedMessage(t, store, "s1", "m1")
	tc := &domain.ToolCall{
		ID: "tc1", MessageID: "m1", SessionID: "s1", ToolName: "email.send",
		Arguments: json.RawMessage(`{"to":"finance@acme.com"}`), RequestingSpecialist: "risk",
		PolicyVerdict: domain.PolicyRequireApproval, Status: domain.ToolCallStatusPendingApproval,
		IdempotencyKey: "tc1", CreatedAt: now(),
	}
	ap := &domain.ApprovalRequest{ID: "ap1", ToolCallID: "tc1", SessionID: "s1", Status: domain.ApprovalStatusPending, CreatedAt: now()}
	require.NoError(t, store.CreateToolCallWithApproval(context.Background(), tc, ap))
	return tc, ap
}

func TestResolveApprovalSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPendingApproval(t, store)

	pending, err := store.ListPendingApprovals(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "email.send", pending[0].ToolCall.ToolName)

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.ResolveApproval(ctx, "ap1", domain.ApprovalStatusApproved, "csm@corp", "", now())
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)

	tc, _ := store.GetToolCall(ctx, "tc1")
	assert.Equal(t, domain.ToolCallStatusRunning, tc.Status)

	ok, err := store.CompleteApproval(ctx, "ap1", domain.ApprovalStatusExecuted, now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.CompleteApproval(ctx, "ap1", domain.ApprovalStatusFailed, now())
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = store.ListPendingApprovals(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRejectApprovalRejectsToolCall(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedPendingApproval(t, store)

	won, err := store.ResolveApproval(ctx, "ap1", domain.ApprovalStatusRejected, "csm@corp", "not now", now())
	require.NoError(t, err)
	assert.True(t, won)

	ap, err := store.GetApproval(ctx, "ap1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusRejected, ap.Status)
	assert.Equal(t, "csm@corp", ap.ResolvedBy)
	assert.Equal(t, "not now", ap.ResolutionComment)
	assert.NotNil(t, ap.ResolvedAt)

	tc, _ := store.GetToolCall(ctx, "tc1")
	assert.Equal(t, domain.ToolCallStatusRejected, tc.Status)
	require.NotNil(t, tc.Error)
	assert.Equal(t, domain.CodeRejected, tc.Error.Code)

	won, err = store.ResolveApproval(ctx, "ap1", domain.ApprovalStatusApproved, "someone", "", now())
	require.NoError(t, err)
	assert.False(t, won)

	_, err = store.ResolveApproval(ctx, "ap1", domain.ApprovalStatusExecuted, "someone", "", now())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAuditSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSession(t, store, "s1", "u1", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.AppendAudit(ctx, &domain.AuditEntry{
				SessionID: "s1", Kind: domain.AuditRouting, Actor: "router", Outcome: "risk",
				Detail: json.RawMessage(`{"method":"keyword"}`), CreatedAt: now(),
			}))
		}()
	}
	wg.Wait()

	entries, err := store.ListAudit(ctx, "s1", 0, 100)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.JSONEq(t, `{"method":"keyword"}`, string(entries[0].Detail))
}

func TestFileBackedConcurrentWritesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "csagent.db") + "?mode=rwc&_txlock=immediate&_busy_timeout=5000"
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	const sessions, perSession = 8, 10
	for i := 0; i < sessions; i++ {
		seedSession(t, store, fmt.Sprintf("s%d", i), "u1", "")
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*sessions*perSession)
	for i := 0; i < sessions*perSession; i++ {
		sessionID := fmt.Sprintf("s%d", i%sessions)
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendAudit(ctx, &domain.AuditEntry{
				SessionID: sessionID, Kind: domain.AuditRouting, Actor: "router", Outcome: "risk", CreatedAt: now(),
			})
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendMessage(ctx, &domain.Message{
				ID: fmt.Sprintf("m%03d", i), SessionID: sessionID, Role: domain.RoleUser, Content: "x", CreatedAt: now(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < sessions; i++ {
		sessionID := fmt.Sprintf("s%d", i)
		entries, err := store.ListAudit(ctx, sessionID, 0, 100)
		require.NoError(t, err)
		require.Len(t, entries, perSession)
		for j, e := range entries {
			assert.Equal(t, int64(j+1), e.Seq)
		}
		msgs, err := store.ListMessages(ctx, sessionID, 0, 100)
		require.NoError(t, err)
		require.Len(t, msgs, perSession)
		for j, m := range msgs {
			assert.Equal(t, int64(j+1), m.Seq)
		}
	}
}

func TestRebindPostgres(t *testing.T) {
	s := New(nil, DialectPostgres)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	lite := New(nil, DialectSQLite)
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
