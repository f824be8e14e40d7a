package v1

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/adapter/llm"
	"github.com/xiaot623/gogo/csagent/internal/approval"
	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/config"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/executor"
	"github.com/xiaot623/gogo/csagent/internal/hub"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/router"
	"github.com/xiaot623/gogo/csagent/internal/service"
	"github.com/xiaot623/gogo/csagent/internal/session"
	"github.com/xiaot623/gogo/csagent/internal/specialist"
	"github.com/xiaot623/gogo/csagent/internal/testutil"
	"github.com/xiaot623/gogo/csagent/internal/tools"
	"github.com/xiaot623/gogo/csagent/policy"
)

type testEnv struct {
	e       *echo.Echo
	sandbox *tools.Sandbox
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cat, err := config.LoadCatalog("")
	require.NoError(t, err)
	store := testutil.NewTestSQLiteStore(t)
	logger := logging.Nop()
	m := metrics.New()
	auditLog := audit.New(store, logger)

	cache := session.NewMemoryCache(time.Hour)
	t.Cleanup(func() { _ = cache.Close() })
	sessions := session.NewStore(store, cache, auditLog, m, logger, session.Config{IdleTTL: 24 * time.Hour, CacheTTL: 30 * time.Minute})

	sandbox := tools.NewSandbox(cat.Customers)
	registry := tools.NewRegistry()
	for _, p := range sandbox.Providers() {
		require.NoError(t, registry.Register(p))
	}
	engine, err := policy.NewEngine(ctx, cat.PolicyTable(registry.DeclaredClasses()), cat.PolicyRego)
	require.NoError(t, err)

	mock := llm.NewMockClient()
	rt := router.New(cat, mock, m, logger)
	handler := specialist.NewLLMHandler(mock, func() []domain.SpecialistDefinition { return rt.Catalog().Specialists }, m, logger)
	exec := executor.New(store, registry, engine, auditLog, m, logger, executor.Config{Timeout: time.Second, MaxRetries: 1, BackoffInitial: time.Millisecond})

	pushHub := hub.New(logger)
	go pushHub.Run(ctx)

	svc := service.New(service.Deps{
		Store:     store,
		Sessions:  sessions,
		Router:    rt,
		Runner:    specialist.NewRunner(rt, registry, auditLog, handler, logger),
		Registry:  registry,
		Executor:  exec,
		Approvals: approval.New(store, exec, auditLog, m, logger),
		Audit:     auditLog,
		Hub:       pushHub,
		Metrics:   m,
		Logger:    logger,
	}, service.Config{LLMTimeout: 5 * time.Second})

	ws := hub.NewServer(hub.ServerConfig{}, pushHub, svc, logger)
	e := echo.New()
	NewHandler(svc, ws, NewAuthenticator(secret), logger).RegisterRoutes(e)
	return &testEnv{e: e, sandbox: sandbox}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

// streamEvent mirrors domain.StreamEvent with the payload left raw.
type streamEvent struct {
	Type    domain.StreamEventType `json:"type"`
	Payload json.RawMessage        `json:"payload"`
}

func parseSSE(t *testing.T, body string) []streamEvent {
	t.Helper()
	var events []streamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func bearer(t *testing.T, secret, subject string) map[string]string {
	t.Helper()
	token, err := IssueToken(secret, subject, time.Hour)
	require.NoError(t, err)
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}

func chatDone(t *testing.T, events []streamEvent) domain.DonePayload {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, domain.StreamDone, last.Type)
	var done domain.DonePayload
	require.NoError(t, json.Unmarshal(last.Payload, &done))
	return done
}

func approvalIDFrom(t *testing.T, events []streamEvent) string {
	t.Helper()
	for _, ev := range events {
		if ev.Type == domain.StreamPendingApproval {
			var p domain.PendingApprovalPayload
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			return p.ApprovalID
		}
	}
	t.Fatal("no pending_approval event")
	return ""
}
