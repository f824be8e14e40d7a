package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
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
	"github.com/xiaot623/gogo/csagent/internal/tools"
	"github.com/xiaot623/gogo/csagent/policy"
)

type fixture struct {
	store   *repository.SQLStore
	exec    *Executor
	sandbox *tools.Sandbox
	session *domain.Session
	message *domain.Message
}

func newFixture(t *testing.T, extra ...tools.Provider) *fixture {
	t.Helper()
	store := testutil.NewTestSQLiteStore(t)
	sandbox := tools.NewSandbox(map[string]domain.CustomerContext{"acme": {"health_score": 42}})

	registry := tools.NewRegistry()
	for _, p := range append(sandbox.Providers(), extra...) {
		require.NoError(t, registry.Register(p))
	}
	engine, err := policy.NewEngine(context.Background(), registry.DeclaredClasses(), "")
	require.NoError(t, err)

	logger := logging.Nop()
	exec := New(store, registry, engine, audit.New(store, logger), metrics.New(), logger, Config{
		Timeout:        time.Second,
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	})

	session := testutil.SeedSession(t, store, "u1", "acme")
	return &fixture{
		store:   store,
		exec:    exec,
		sandbox: sandbox,
		session: session,
		message: testutil.SeedMessage(t, store, session.ID, "working on it"),
	}
}

func (f *fixture) request(tool, args string) Request {
	return Request{
		SessionID:  f.session.ID,
		MessageID:  f.message.ID,
		ToolName:   tool,
		Arguments:  json.RawMessage(args),
		Specialist: "risk",
	}
}

func TestExecute_AutoApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.exec.Execute(ctx, f.request("health.score", `{"customer_id":"acme"}`))
	require.NoError(t, err)
	require.Nil(t, out.Approval)

	tc := out.ToolCall
	assert.Equal(t, domain.ToolCallStatusExecuted, tc.Status)
	assert.Equal(t, domain.PolicyAutoApprove, tc.PolicyVerdict)
	assert.Equal(t, 1, tc.Attempts)
	assert.Equal(t, tc.ID, tc.IdempotencyKey)
	assert.JSONEq(t, `{"customer_id":"acme","health_score":42}`, string(tc.Result))

	stored, err := f.store.GetToolCall(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusExecuted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	entries, err := f.store.ListAudit(ctx, f.session.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditToolInvocation, entries[0].Kind)
	assert.Equal(t, "auto-approve", entries[0].Verdict)
	assert.Equal(t, "executed", entries[0].Outcome)
}

func TestExecute_ValidationFailureHasNoSideEffect(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), f.request("email.send", `{"to":"not-an-email","subject":"hi","body":"x"}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusFailed, out.ToolCall.Status)
	require.NotNil(t, out.ToolCall.Error)
	assert.Equal(t, domain.CodeValidation, out.ToolCall.Error.Code)
	assert.Nil(t, out.Approval)
	assert.Zero(t, f.sandbox.Calls("email.send"))
}

func TestExecute_RequireApprovalCreatesPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.exec.Execute(ctx, f.request("email.send", `{"to":"finance@acme.com","subject":"Invoice","body":"Please review."}`))
	require.NoError(t, err)
	require.NotNil(t, out.Approval)

	assert.Equal(t, domain.ToolCallStatusPendingApproval, out.ToolCall.Status)
	assert.Equal(t, domain.ApprovalStatusPending, out.Approval.Status)
	assert.Zero(t, f.sandbox.Calls("email.send"))

	pending, err := f.store.ListPendingApprovals(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Approval.ID, pending[0].Approval.ID)
	assert.Equal(t, "email.send", pending[0].ToolCall.ToolName)
}

func TestExecute_NeverApproveIsRefused(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), f.request("customer.delete", `{"customer_id":"acme"}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusRejected, out.ToolCall.Status)
	assert.Equal(t, domain.PolicyNeverApprove, out.ToolCall.PolicyVerdict)
	assert.Equal(t, domain.CodePolicy, out.ToolCall.Error.Code)
	assert.Nil(t, out.Approval)
	assert.Zero(t, f.sandbox.Calls("customer.delete"))
}

func TestExecute_UnknownToolIsRefused(t *testing.T) {
	f := newFixture(t)

	out, err := f.exec.Execute(context.Background(), f.request("crm.wipe", `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusRejected, out.ToolCall.Status)
	assert.Equal(t, domain.CodePolicy, out.ToolCall.Error.Code)
}

func flakyProvider(name string, failures int32, applied, idempotent bool) (tools.Provider, *int32) {
	var calls int32
	p := tools.NewFuncProvider(tools.Definition{
		Name:                name,
		PolicyClass:         domain.PolicyAutoApprove,
		SupportsIdempotency: idempotent,
	}, func(ctx context.Context, args json.RawMessage, key string) (json.RawMessage, error) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			return nil, &tools.TransientError{Err: errors.New("503 service unavailable"), Applied: applied}
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	return p, &calls
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	p, calls := flakyProvider("crm.sync", 2, false, false)
	f := newFixture(t, p)

	out, err := f.exec.Execute(context.Background(), f.request("crm.sync", `{}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusExecuted, out.ToolCall.Status)
	assert.Equal(t, 3, out.ToolCall.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestExecute_GivesUpAfterMaxRetries(t *testing.T) {
	p, calls := flakyProvider("crm.sync", 100, false, false)
	f := newFixture(t, p)

	out, err := f.exec.Execute(context.Background(), f.request("crm.sync", `{}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusFailed, out.ToolCall.Status)
	assert.Equal(t, domain.CodeTransient, out.ToolCall.Error.Code)
	assert.Equal(t, 4, out.ToolCall.Attempts)
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
}

func TestExecute_AppliedFailureRetriedOnlyWithIdempotency(t *testing.T) {
	plain, plainCalls := flakyProvider("crm.push", 1, true, false)
	keyed, keyedCalls := flakyProvider("crm.keyed", 1, true, true)
	f := newFixture(t, plain, keyed)
	ctx := context.Background()

	out, err := f.exec.Execute(ctx, f.request("crm.push", `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusFailed, out.ToolCall.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(plainCalls))

	out, err = f.exec.Execute(ctx, f.request("crm.keyed", `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusExecuted, out.ToolCall.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(keyedCalls))
}

func TestExecute_TimeoutOutlivesCallerCancellation(t *testing.T) {
	slow := tools.NewFuncProvider(tools.Definition{
		Name:        "crm.slow",
		PolicyClass: domain.PolicyAutoApprove,
		Timeout:     30 * time.Millisecond,
	}, func(ctx context.Context, args json.RawMessage, key string) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, slow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.exec.Execute(ctx, f.request("crm.slow", `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusFailed, out.ToolCall.Status)
	assert.Equal(t, domain.CodeTimeout, out.ToolCall.Error.Code)
	assert.Equal(t, 1, out.ToolCall.Attempts)
}

func TestExecuteApproved_RunsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.exec.Execute(ctx, f.request("email.send", `{"to":"finance@acme.com","subject":"Invoice","body":"Please review."}`))
	require.NoError(t, err)

	won, err := f.store.ResolveApproval(ctx, out.Approval.ID, domain.ApprovalStatusApproved, "csm@corp.com", "", testutil.Now())
	require.NoError(t, err)
	require.True(t, won)
	running, err := f.store.GetToolCall(ctx, out.ToolCall.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ToolCallStatusRunning, running.Status)

	approval, err := f.store.GetApproval(ctx, out.Approval.ID)
	require.NoError(t, err)
	tc, err := f.exec.ExecuteApproved(ctx, running, approval)
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusExecuted, tc.Status)
	assert.Len(t, f.sandbox.Actions(), 1)
	assert.Equal(t, tc.ID, f.sandbox.Actions()[0].IdempotencyKey)

	// A second run finds the call already finished and does not overwrite it.
	again, err := f.exec.ExecuteApproved(ctx, running, approval)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusExecuted, again.Status)
	assert.Len(t, f.sandbox.Actions(), 1)
}

func TestExecuteApproved_RefusesNeverApproveTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	forged := &domain.ToolCall{
		ID:                   "tc-forged",
		MessageID:            f.message.ID,
		SessionID:            f.session.ID,
		ToolName:             "customer.delete",
		Arguments:            json.RawMessage(`{"customer_id":"acme"}`),
		RequestingSpecialist: "risk",
		Status:               domain.ToolCallStatusRunning,
		IdempotencyKey:       "tc-forged",
		CreatedAt:            testutil.Now(),
	}
	require.NoError(t, f.store.CreateToolCall(ctx, forged))

	tc, err := f.exec.ExecuteApproved(ctx, forged, &domain.ApprovalRequest{ID: "ap-forged", ResolvedBy: "mallory"})
	require.NoError(t, err)

	assert.Equal(t, domain.ToolCallStatusRejected, tc.Status)
	assert.Equal(t, domain.CodePolicy, tc.Error.Code)
	assert.Zero(t, f.sandbox.Calls("customer.delete"))
}

func TestSweepStalled_FailsCallsPastBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := testutil.Now()

	running := func(id string, created time.Time) {
		require.NoError(t, f.store.CreateToolCall(ctx, &domain.ToolCall{
			ID: id, MessageID: f.message.ID, SessionID: f.session.ID, ToolName: "customer.lookup",
			Arguments: json.RawMessage(`{"customer_id":"acme"}`), RequestingSpecialist: "risk",
			PolicyVerdict: domain.PolicyAutoApprove, Status: domain.ToolCallStatusRunning,
			IdempotencyKey: id, CreatedAt: created,
		}))
	}
	running("tc-stalled", now.Add(-time.Hour))
	running("tc-fresh", now)
	gated, err := f.exec.Execute(ctx, f.request("email.send", `{"to":"finance@acme.com","subject":"Invoice","body":"Hi"}`))
	require.NoError(t, err)

	n, err := f.exec.SweepStalled(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stalled, err := f.store.GetToolCall(ctx, "tc-stalled")
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusFailed, stalled.Status)
	require.NotNil(t, stalled.Error)
	assert.Equal(t, domain.CodeTimeout, stalled.Error.Code)
	assert.NotNil(t, stalled.CompletedAt)

	fresh, err := f.store.GetToolCall(ctx, "tc-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusRunning, fresh.Status)

	pending, err := f.store.GetToolCall(ctx, gated.ToolCall.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolCallStatusPendingApproval, pending.Status)

	entries, err := f.store.ListAudit(ctx, f.session.ID, 0, 50)
	require.NoError(t, err)
	var recovered []domain.AuditEntry
	for _, e := range entries {
		if e.ToolCallID == "tc-stalled" {
			recovered = append(recovered, e)
		}
	}
	require.Len(t, recovered, 1)
	assert.Equal(t, "system", recovered[0].Actor)
	assert.Equal(t, string(domain.ToolCallStatusFailed), recovered[0].Outcome)
	assert.JSONEq(t, `{"path":"recovered","error_code":"timeout","tool":"customer.lookup"}`, string(recovered[0].Detail))

	// A second sweep finds nothing left to fail.
	n, err = f.exec.SweepStalled(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
