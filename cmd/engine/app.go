package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/csagent/internal/adapter/llm"
	"github.com/xiaot623/gogo/csagent/internal/approval"
	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/config"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/executor"
	"github.com/xiaot623/gogo/csagent/internal/hub"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
	"github.com/xiaot623/gogo/csagent/internal/router"
	"github.com/xiaot623/gogo/csagent/internal/service"
	"github.com/xiaot623/gogo/csagent/internal/session"
	"github.com/xiaot623/gogo/csagent/internal/specialist"
	"github.com/xiaot623/gogo/csagent/internal/tools"
	handler "github.com/xiaot623/gogo/csagent/internal/transport/http"
	v1 "github.com/xiaot623/gogo/csagent/internal/transport/http/v1"
	"github.com/xiaot623/gogo/csagent/policy"
)

// app owns every long-lived component of the engine.
type app struct {
	cfg *config.Config
	log *logging.Logger

	store    *repository.SQLStore
	cache    session.Cache
	sessions *session.Store
	sandbox  *tools.Sandbox
	registry *tools.Registry
	policy   *policy.Engine
	router   *router.Router
	hub      *hub.Hub
	service  *service.Service
	server   *echo.Echo

	reloadMu sync.Mutex
}

// newApp wires the engine. llmClient may be nil, in which case one is built from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, llmClient llm.Client) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	cat, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	a.store, err = repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	switch cfg.CacheBackend {
	case "redis":
		a.cache, err = session.NewRedisCache(ctx, cfg.RedisURL, cfg.SessionCacheTTL)
		if err != nil {
			a.store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	default:
		a.cache = session.NewMemoryCache(cfg.SessionCacheTTL)
	}

	m := metrics.New()
	auditLog := audit.New(a.store, logger)
	a.sessions = session.NewStore(a.store, a.cache, auditLog, m, logger, session.Config{
		IdleTTL:  cfg.SessionIdleTTL,
		CacheTTL: cfg.SessionCacheTTL,
	})

	a.sandbox = tools.NewSandbox(cat.Customers)
	a.registry = tools.NewRegistry()
	if err := a.registry.Replace(a.sandbox.Providers()...); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	a.policy, err = policy.NewEngine(ctx, cat.PolicyTable(a.registry.DeclaredClasses()), cat.PolicyRego)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if llmClient == nil {
		llmClient = llm.NewClient(cfg.LLMMode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, logger)
	}
	a.router = router.New(cat, llmClient, m, logger)
	peers := func() []domain.SpecialistDefinition { return a.router.Catalog().Specialists }
	runner := specialist.NewRunner(a.router, a.registry, auditLog, specialist.NewLLMHandler(llmClient, peers, m, logger), logger)

	exec := executor.New(a.store, a.registry, a.policy, auditLog, m, logger, executor.Config{
		Timeout:        cfg.ToolTimeout,
		MaxRetries:     cfg.ToolMaxRetries,
		BackoffInitial: cfg.ToolBackoffInitial,
		BackoffMax:     cfg.ToolBackoffMax,
	})

	a.hub = hub.New(logger)
	a.service = service.New(service.Deps{
		Store:     a.store,
		Sessions:  a.sessions,
		Router:    a.router,
		Runner:    runner,
		Registry:  a.registry,
		Executor:  exec,
		Approvals: approval.New(a.store, exec, auditLog, m, logger),
		Audit:     auditLog,
		Hub:       a.hub,
		Metrics:   m,
		Logger:    logger,
	}, service.Config{LLMTimeout: cfg.LLMTimeout})

	ws := hub.NewServer(hub.ServerConfig{}, a.hub, a.service, logger)
	a.server = handler.NewServer(v1.NewHandler(a.service, ws, v1.NewAuthenticator(cfg.JWTSecret), logger), m)
	return a, nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (a *app) Run(ctx context.Context) error {
	bg, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(bg)
	go a.sessions.RunSweeper(bg, a.cfg.SessionSweepInterval)
	go a.service.RunRecovery(bg, a.cfg.SessionSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", a.cfg.HTTPPort)
		a.log.Info().Str("addr", addr).Msg("http server started")
		if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start http server: %w", err)
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("failed to shutdown http server gracefully")
	}
	return nil
}

// Reload re-reads the catalog and swaps specialists, routing, customers, tools and policy.
// On error the routing catalog and policy in effect are kept.
func (a *app) Reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	cat, err := config.LoadCatalog(a.cfg.CatalogPath)
	if err != nil {
		return err
	}

	if err := a.registry.Replace(a.sandbox.Providers()...); err != nil {
		return err
	}
	if err := a.policy.Reload(ctx, cat.PolicyTable(a.registry.DeclaredClasses()), cat.PolicyRego); err != nil {
		return fmt.Errorf("failed to reload policy: %w", err)
	}
	a.sandbox.SetCustomers(cat.Customers)
	a.router.SetCatalog(cat)

	a.log.Info().
		Int("specialists", len(cat.Specialists)).
		Int("tools", len(a.registry.Definitions())).
		Msg("catalog reloaded")
	return nil
}

// Close releases the cache and the store.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close session cache")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		}
	}
}
