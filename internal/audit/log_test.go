package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/testutil"
)

func TestRecordAssignsSequence(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestSQLiteStore(t)
	s := testutil.SeedSession(t, store, "u1", "acme")
	l := New(store, logging.Nop())

	first := &domain.AuditEntry{SessionID: s.ID, Kind: domain.AuditRouting, Actor: "router", Outcome: "risk"}
	require.NoError(t, l.Record(ctx, first, map[string]string{"method": "keyword"}))
	second := &domain.AuditEntry{SessionID: s.ID, Kind: domain.AuditToolInvocation, Actor: "risk", Verdict: "auto-approve", Outcome: "executed"}
	require.NoError(t, l.Record(ctx, second, nil))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.False(t, first.CreatedAt.IsZero())

	entries, err := l.List(ctx, s.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"method":"keyword"}`, string(entries[0].Detail))
	assert.Equal(t, "auto-approve", entries[1].Verdict)
}

func TestRecordWrapsPersistenceFailure(t *testing.T) {
	store := testutil.NewTestSQLiteStore(t)
	l := New(store, logging.Nop())

	err := l.Record(context.Background(), &domain.AuditEntry{SessionID: "missing", Kind: domain.AuditSession, Actor: "x", Outcome: "y"}, nil)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestListEmpty(t *testing.T) {
	store := testutil.NewTestSQLiteStore(t)
	l := New(store, logging.Nop())
	entries, err := l.List(context.Background(), "none", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
