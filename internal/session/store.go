// Package session manages session lifecycle over a cache tier and the durable store.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/csagent/internal/audit"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/keylock"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
	"github.com/xiaot623/gogo/csagent/internal/repository"
)

// End reasons recorded in the audit log and metrics.
const (
	ReasonClosed  = "closed"
	ReasonExpired = "expired"
)

// Config controls session lifetimes.
type Config struct {
	// IdleTTL is the inactivity period after which a session ends.
	IdleTTL time.Duration
	// CacheTTL is the inactivity period after which a session is marked idle.
	CacheTTL time.Duration
}

// EndHook is called after a session ends, once per session.
type EndHook func(ctx context.Context, session *domain.Session, reason string)

// Store serves sessions from the cache and persists every write durably first.
type Store struct {
	durable repository.Store
	cache   Cache
	audit   *audit.Log
	metrics *metrics.Metrics
	log     *logging.Logger
	cfg     Config

	group singleflight.Group
	pairs *keylock.Map
	onEnd EndHook
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEndHook registers a callback for ended sessions.
func WithEndHook(hook EndHook) Option {
	return func(s *Store) { s.onEnd = hook }
}

// NewStore creates a session store.
func NewStore(durable repository.Store, cache Cache, auditLog *audit.Log, m *metrics.Metrics, logger *logging.Logger, cfg Config, opts ...Option) *Store {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	s := &Store{
		durable: durable,
		cache:   cache,
		audit:   auditLog,
		metrics: m,
		log:     logger.Sub("session"),
		cfg:     cfg,
		pairs:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEndHook registers the callback for ended sessions.
func (s *Store) SetEndHook(hook EndHook) {
	s.onEnd = hook
}

// Create starts a new active session for the (user, customer) pair.
func (s *Store) Create(ctx context.Context, userID, customerID string) (*domain.Session, error) {
	now := s.now()
	session := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CustomerID:     customerID,
		Status:         domain.SessionStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(s.cfg.IdleTTL),
	}
	if err := s.durable.CreateSession(ctx, session); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("customer_id", customerID).Msg("failed to create session")
		return nil, domain.Persistence("create session", err)
	}
	s.cacheSet(ctx, session)
	s.log.Info().Str("session_id", session.ID).Str("user_id", userID).Str("customer_id", customerID).Msg("session created")
	s.record(ctx, session.ID, userID, "created", nil)
	return session.Clone(), nil
}

// Get returns a session, rehydrating it from the durable store on a cache miss.
// A session found past its deadline is ended before it is returned.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionStatusEnded && session.Expired(s.now()) {
		ended, _, err := s.end(ctx, session, ReasonExpired)
		if err != nil {
			return nil, err
		}
		return ended, nil
	}
	return session, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if cached, ok := s.cacheGet(ctx, sessionID); ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(sessionID, func() (interface{}, error) {
		session, err := s.durable.GetSession(ctx, sessionID)
		if err != nil {
			return nil, domain.Persistence("load session", err)
		}
		if session == nil {
			return nil, nil
		}
		s.cacheSet(ctx, session)
		return session, nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to rehydrate session")
		return nil, err
	}
	session, _ := v.(*domain.Session)
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session.Clone(), nil
}

// Resolve returns the session a turn should run in. A live sessionID owned by userID is reused.
// Otherwise the pair's active session is reused or a new one is created. An ended or expired
// session never receives new turns.
func (s *Store) Resolve(ctx context.Context, userID, customerID, sessionID string) (*domain.Session, bool, error) {
	if sessionID != "" {
		existing, err := s.Get(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if existing.UserID != userID {
			return nil, false, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		if existing.Status != domain.SessionStatusEnded {
			return existing, false, nil
		}
		if customerID == "" {
			customerID = existing.CustomerID
		}
	}

	unlock := s.pairs.Lock(userID + "|" + customerID)
	defer unlock()

	found, err := s.durable.FindActiveSession(ctx, userID, customerID)
	if err != nil {
		return nil, false, domain.Persistence("find session", err)
	}
	if found != nil {
		current, err := s.Get(ctx, found.ID)
		if err != nil {
			return nil, false, err
		}
		if current.Status != domain.SessionStatusEnded {
			return current, false, nil
		}
	}

	created, err := s.Create(ctx, userID, customerID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Append stores msg durably and assigns its ID, timestamp and sequence number.
// Ended sessions still accept messages so late approval results are kept with their history.
func (s *Store) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.durable.AppendMessage(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("session_id", msg.SessionID).Str("role", string(msg.Role)).Msg("failed to append message")
		return domain.Persistence("append message", err)
	}
	return nil
}

// Touch records activity and pushes the expiry deadline out. Ended sessions stay ended.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := s.now()
	expires := now.Add(s.cfg.IdleTTL)
	touched, err := s.durable.TouchSession(ctx, sessionID, now, expires)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to touch session")
		return domain.Persistence("touch session", err)
	}
	if !touched {
		return nil
	}
	if cached, ok := s.cacheGet(ctx, sessionID); ok {
		cached.Status = domain.SessionStatusActive
		cached.LastActivityAt = now
		cached.ExpiresAt = expires
		s.cacheSet(ctx, cached)
	}
	return nil
}

// SetActiveSpecialist switches the session's specialist and extends its history.
func (s *Store) SetActiveSpecialist(ctx context.Context, sessionID, specialist string, method domain.RoutingMethod) error {
	if err := s.durable.SetActiveSpecialist(ctx, sessionID, specialist, method, s.now()); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Str("specialist", specialist).Msg("failed to set active specialist")
		return domain.Persistence("set active specialist", err)
	}
	if cached, ok := s.cacheGet(ctx, sessionID); ok {
		cached.ActiveSpecialist = specialist
		cached.SpecialistHistory = append(cached.SpecialistHistory, specialist)
		s.cacheSet(ctx, cached)
	}
	return nil
}

// End closes a session. It returns false when the session had already ended.
func (s *Store) End(ctx context.Context, sessionID string) (*domain.Session, bool, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session.Status == domain.SessionStatusEnded {
		return session, false, nil
	}
	return s.end(ctx, session, ReasonClosed)
}

func (s *Store) end(ctx context.Context, session *domain.Session, reason string) (*domain.Session, bool, error) {
	now := s.now()
	ended, err := s.durable.EndSession(ctx, session.ID, now)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to end session")
		return nil, false, domain.Persistence("end session", err)
	}

	out := session.Clone()
	out.Status = domain.SessionStatusEnded
	out.ExpiresAt = now
	s.cacheDelete(ctx, session.ID)
	if !ended {
		return out, false, nil
	}
	s.ended(ctx, out, reason)
	return out, true, nil
}

func (s *Store) ended(ctx context.Context, session *domain.Session, reason string) {
	s.log.Info().Str("session_id", session.ID).Str("reason", reason).Msg("session ended")
	s.metrics.SessionEnded(reason)
	s.record(ctx, session.ID, "system", "ended", map[string]string{"reason": reason})
	if s.onEnd != nil {
		s.onEnd(ctx, session, reason)
	}
}

// History returns messages after afterSeq in sequence order. Ended sessions stay readable.
func (s *Store) History(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Message, error) {
	msgs, err := s.durable.ListMessages(ctx, sessionID, afterSeq, limit)
	if err != nil {
		return nil, domain.Persistence("list messages", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// Recent returns at most n of the latest messages of a session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]domain.Message, error) {
	var all []domain.Message
	var after int64
	for {
		page, err := s.History(ctx, sessionID, after, 500)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(all) > n {
			all = all[len(all)-n:]
		}
		if len(page) < 500 {
			break
		}
		after = page[len(page)-1].Seq
	}
	return all, nil
}

// Evict drops a session from the cache tier only.
func (s *Store) Evict(ctx context.Context, sessionID string) {
	s.cacheDelete(ctx, sessionID)
}

// Sweep marks inactive sessions idle and ends the expired ones. It returns the ended IDs.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	now := s.now()
	idled, err := s.durable.MarkIdleSessions(ctx, now.Add(-s.cfg.CacheTTL))
	if err != nil {
		return nil, domain.Persistence("mark idle sessions", err)
	}
	ids, err := s.durable.EndExpiredSessions(ctx, now)
	if err != nil {
		return nil, domain.Persistence("end expired sessions", err)
	}
	for _, id := range ids {
		s.cacheDelete(ctx, id)
		session, err := s.durable.GetSession(ctx, id)
		if err != nil || session == nil {
			session = &domain.Session{ID: id, Status: domain.SessionStatusEnded}
		}
		s.ended(ctx, session, ReasonExpired)
	}
	if idled > 0 || len(ids) > 0 {
		s.log.Debug().Int64("idled", idled).Int("ended", len(ids)).Msg("session sweep")
	}
	return ids, nil
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := s.Sweep(sweepCtx); err != nil {
				s.log.Warn().Err(err).Msg("session sweep failed")
			}
			cancel()
		}
	}
}

func (s *Store) cacheGet(ctx context.Context, sessionID string) (*domain.Session, bool) {
	session, ok, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache read failed")
		return nil, false
	}
	return session, ok
}

func (s *Store) cacheSet(ctx context.Context, session *domain.Session) {
	if err := s.cache.Set(ctx, session); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("session cache write failed")
	}
}

func (s *Store) cacheDelete(ctx context.Context, sessionID string) {
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("session cache delete failed")
	}
}

func (s *Store) record(ctx context.Context, sessionID, actor, outcome string, detail any) {
	if s.audit == nil {
		return
	}
	entry := &domain.AuditEntry{SessionID: sessionID, Kind: domain.AuditSession, Actor: actor, Outcome: outcome}
	if err := s.audit.Record(ctx, entry, detail); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to audit session event")
	}
}
