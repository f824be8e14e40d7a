// Package service implements the engine operations behind the HTTP and websocket transports.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/approval"
	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/executor"
	"github.com/xiaot623/gogo/csagent/internal/keylock"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
	"github.com/xiaot623/gogo/csagent/internal/router"
	"github.com/xiaot623/gogo/csagent/internal/session"
	"github.com/xiaot623/gogo/csagent/internal/specialist"
	"github.com/xiaot623/gogo/csagent/internal/tools"
)

// errSessionEnded is the cancellation cause of turns cut short by EndSession or expiry.
var errSessionEnded = errors.New("session ended")

// Publisher pushes events to operator connections.
type Publisher interface {
	Publish(ev domain.PushEvent)
}

// Deps are the collaborators of the service.
type Deps struct {
	Store     repository.Store
	Sessions  *session.Store
	Router    *router.Router
	Runner    *specialist.Runner
	Registry  *tools.Registry
	Executor  *executor.Executor
	Approvals *approval.Queue
	Audit     *audit.Log
	Hub       Publisher
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Config tunes turn execution.
type Config struct {
	// LLMTimeout bounds the specialist calls of one turn.
	LLMTimeout time.Duration
	// HistoryLimit is the number of prior messages handed to specialists.
	HistoryLimit int
	// StreamBuffer is the capacity of the chat event channel.
	StreamBuffer int
}

// Service orchestrates sessions, routing, specialists, tools and approvals.
type Service struct {
	store     repository.Store
	sessions  *session.Store
	router    *router.Router
	runner    *specialist.Runner
	registry  *tools.Registry
	exec      *executor.Executor
	approvals *approval.Queue
	audit     *audit.Log
	hub       Publisher
	metrics   *metrics.Metrics
	log       *logging.Logger
	cfg       Config

	turns *keylock.Map

	mu       sync.Mutex
	inflight map[string]map[uint64]context.CancelCauseFunc
	nextID   uint64
}

// New wires the service. It installs itself as the session end hook and the approval notifier.
func New(d Deps, cfg Config) *Service {
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	s := &Service{
		store:     d.Store,
		sessions:  d.Sessions,
		router:    d.Router,
		runner:    d.Runner,
		registry:  d.Registry,
		exec:      d.Executor,
		approvals: d.Approvals,
		audit:     d.Audit,
		hub:       d.Hub,
		metrics:   d.Metrics,
		log:       d.Logger.Sub("service"),
		cfg:       cfg,
		turns:     keylock.New(),
		inflight:  make(map[string]map[uint64]context.CancelCauseFunc),
	}
	d.Sessions.SetEndHook(s.sessionEnded)
	d.Approvals.SetNotifier(s)
	return s
}

// track registers cancel as an in-flight LLM context of the session. The returned func forgets it.
func (s *Service) track(sessionID string, cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.inflight[sessionID] == nil {
		s.inflight[sessionID] = make(map[uint64]context.CancelCauseFunc)
	}
	s.inflight[sessionID][id] = cancel
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inflight[sessionID], id)
		if len(s.inflight[sessionID]) == 0 {
			delete(s.inflight, sessionID)
		}
	}
}

func (s *Service) cancelInflight(sessionID string) int {
	s.mu.Lock()
	cancels := s.inflight[sessionID]
	delete(s.inflight, sessionID)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel(errSessionEnded)
	}
	return len(cancels)
}

// sessionEnded runs for explicit ends and expiry alike. Dispatched tool calls and pending
// approvals are left alone.
func (s *Service) sessionEnded(ctx context.Context, sess *domain.Session, reason string) {
	if n := s.cancelInflight(sess.ID); n > 0 {
		s.log.Info().Str("session_id", sess.ID).Int("cancelled", n).Msg("cancelled in-flight llm calls")
	}
	s.publish(domain.PushEvent{
		Type:      domain.PushSessionEnded,
		SessionID: sess.ID,
		Data:      map[string]any{"reason": reason, "session": sess},
	})
}

func (s *Service) publish(ev domain.PushEvent) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}
