// Package router picks the specialist that handles a user turn.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/xiaot623/gogo/csagent/internal/adapter/llm"
	"github.com/xiaot623/gogo/csagent/internal/config"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
)

const (
	followUpConfidence = 0.9
	contextConfidence  = 0.6
)

// Router runs the routing tiers in order and stops at the first confident hit.
type Router struct {
	catalog atomic.Pointer[config.Catalog]
	llm     llm.Client
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates a router over the catalog. client serves the LLM fallback tier.
func New(cat *config.Catalog, client llm.Client, m *metrics.Metrics, logger *logging.Logger) *Router {
	r := &Router{llm: client, metrics: m, log: logger.Sub("router")}
	r.catalog.Store(cat)
	return r
}

// SetCatalog swaps the specialist catalog.
func (r *Router) SetCatalog(cat *config.Catalog) {
	r.catalog.Store(cat)
}

// Catalog returns the catalog in force.
func (r *Router) Catalog() *config.Catalog {
	return r.catalog.Load()
}

// Route decides which specialist handles message. It never fails: when no tier is confident
// the configured generalist is chosen.
func (r *Router) Route(ctx context.Context, session *domain.Session, message string, cc domain.CustomerContext) domain.RoutingDecision {
	cat := r.catalog.Load()
	var trace []domain.TierOutcome

	if outcome, ok := r.followUp(cat, session, message); ok {
		trace = append(trace, outcome)
		if outcome.Matched {
			return r.decide(session, outcome, trace, "continuing with the active specialist")
		}
	}

	kw := MatchKeywords(cat.Specialists, message, cat.Routing.KeywordConfidenceFloor)
	trace = append(trace, kw)
	r.logTier(session, kw)
	if kw.Matched {
		return r.decide(session, kw, trace, "message matched routing keywords: "+kw.Note)
	}

	rule := MatchContext(cat.Specialists, cc)
	trace = append(trace, rule)
	r.logTier(session, rule)
	if rule.Matched {
		return r.decide(session, rule, trace, "customer context matched "+rule.Note)
	}

	fb, reasoning := r.llmFallback(ctx, cat, session, message, cc)
	trace = append(trace, fb)
	r.logTier(session, fb)
	return r.decide(session, fb, trace, reasoning)
}

// Force routes to target for a handoff. An unknown target falls back to the generalist.
func (r *Router) Force(session *domain.Session, target, reason string) domain.RoutingDecision {
	cat := r.catalog.Load()
	outcome := domain.TierOutcome{Method: domain.RoutingHandoff, Specialist: target, Confidence: 1, Matched: true, Note: reason}
	if _, ok := cat.Specialist(target); !ok {
		r.log.Warn().Str("target", target).Msg("handoff to unknown specialist, using generalist")
		outcome.Specialist = cat.Generalist
		outcome.Confidence = 0
		outcome.Note = fmt.Sprintf("unknown handoff target %q", target)
	}
	if reason == "" {
		reason = "handoff requested"
	}
	return r.decide(session, outcome, []domain.TierOutcome{outcome}, reason)
}

func (r *Router) followUp(cat *config.Catalog, session *domain.Session, message string) (domain.TierOutcome, bool) {
	if session == nil || session.ActiveSpecialist == "" {
		return domain.TierOutcome{}, false
	}
	active := session.ActiveSpecialist
	out := domain.TierOutcome{Method: domain.RoutingFollowUp, Specialist: active}
	if _, ok := cat.Specialist(active); !ok {
		out.Note = "active specialist no longer declared"
		r.logTier(session, out)
		return out, true
	}

	text := Normalize(message)
	for _, phrase := range cat.Routing.TopicShiftPhrases {
		if containsPhrase(text, phrase) {
			out.Note = fmt.Sprintf("topic shift phrase %q", phrase)
			r.logTier(session, out)
			return out, true
		}
	}

	activeScore := 0
	scores := ScoreKeywords(cat.Specialists, message)
	for _, sc := range scores {
		if sc.Specialist == active {
			activeScore = sc.Matches
		}
	}
	for _, sc := range scores {
		if sc.Specialist != active && sc.Matches > activeScore {
			out.Note = fmt.Sprintf("keywords favour %s", sc.Specialist)
			r.logTier(session, out)
			return out, true
		}
	}

	out.Matched = true
	out.Confidence = followUpConfidence
	r.logTier(session, out)
	return out, true
}

type llmChoice struct {
	Specialist string  `json:"specialist"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (r *Router) llmFallback(ctx context.Context, cat *config.Catalog, session *domain.Session, message string, cc domain.CustomerContext) (domain.TierOutcome, string) {
	fallback := func(note string, err error) (domain.TierOutcome, string) {
		r.log.Warn().Err(fmt.Errorf("%w: %s", domain.ErrRoutingAmbiguity, note)).
			Str("session_id", sessionID(session)).
			Msg("llm routing failed, using generalist")
		return domain.TierOutcome{
			Method:     domain.RoutingLLMFallback,
			Specialist: cat.Generalist,
			Matched:    true,
			Note:       note,
		}, "no confident routing signal; using the generalist"
	}
	if r.llm == nil {
		return fallback("no llm configured", nil)
	}

	resp, err := r.llm.Complete(ctx, &llm.ChatRequest{Messages: routingPrompt(cat, message, cc)})
	if err != nil {
		r.metrics.LLMCall("route", "error")
		return fallback("llm call failed: "+err.Error(), err)
	}

	var choice llmChoice
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &choice); err != nil {
		r.metrics.LLMCall("route", "invalid")
		return fallback("unparsable llm reply", err)
	}
	if _, ok := cat.Specialist(choice.Specialist); !ok {
		r.metrics.LLMCall("route", "invalid")
		return fallback(fmt.Sprintf("llm chose unknown specialist %q", choice.Specialist), nil)
	}
	r.metrics.LLMCall("route", "ok")

	conf := choice.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	reasoning := choice.Reasoning
	if reasoning == "" {
		reasoning = "selected by the language model"
	}
	return domain.TierOutcome{
		Method:     domain.RoutingLLMFallback,
		Specialist: choice.Specialist,
		Confidence: conf,
		Matched:    true,
		Note:       "llm choice",
	}, reasoning
}

func routingPrompt(cat *config.Catalog, message string, cc domain.CustomerContext) []llm.Message {
	var b strings.Builder
	b.WriteString("You route customer-success requests to one specialist.\nSpecialists:\n")
	for _, s := range cat.Specialists {
		fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
	}
	if len(cc) > 0 {
		if data, err := json.Marshal(cc); err == nil {
			fmt.Fprintf(&b, "Customer context: %s\n", data)
		}
	}
	b.WriteString(`Reply with JSON only: {"specialist": "<id>", "confidence": <0..1>, "reasoning": "<one sentence>"}`)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: b.String()},
		{Role: llm.RoleUser, Content: message},
	}
}

// extractJSON strips code fences and prose around the first JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func (r *Router) decide(session *domain.Session, outcome domain.TierOutcome, trace []domain.TierOutcome, reasoning string) domain.RoutingDecision {
	d := domain.RoutingDecision{
		Specialist: outcome.Specialist,
		Method:     outcome.Method,
		Confidence: outcome.Confidence,
		Reasoning:  reasoning,
		Trace:      trace,
	}
	r.metrics.Routing(string(d.Method), d.Specialist)
	r.log.Info().
		Str("session_id", sessionID(session)).
		Str("specialist", d.Specialist).
		Str("method", string(d.Method)).
		Float64("confidence", d.Confidence).
		Msg("routing decision")
	return d
}

func (r *Router) logTier(session *domain.Session, o domain.TierOutcome) {
	r.log.Debug().
		Str("session_id", sessionID(session)).
		Str("method", string(o.Method)).
		Str("specialist", o.Specialist).
		Float64("confidence", o.Confidence).
		Bool("matched", o.Matched).
		Str("note", o.Note).
		Msg("routing tier")
}

func sessionID(s *domain.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
