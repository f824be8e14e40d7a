package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/adapter/llm"
	"github.com/xiaot623/gogo/csagent/internal/config"
	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/logging"
	"github.com/xiaot623/gogo/csagent/internal/metrics"
)

func newRouter(t *testing.T, client llm.Client) (*Router, *config.Catalog) {
	t.Helper()
	cat, err := config.LoadCatalog("")
	require.NoError(t, err)
	return New(cat, client, metrics.New(), logging.Nop()), cat
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, " what s the health score for acme ", Normalize("What's the HEALTH score for Acme?"))
	assert.Equal(t, " ", Normalize("?!"))
}

func TestMatchKeywordsWholePhrases(t *testing.T) {
	specs := []domain.SpecialistDefinition{
		{ID: "risk", RoutingKeywords: []string{"risk", "churn"}},
		{ID: "renewal", RoutingKeywords: []string{"renewal"}},
	}

	out := MatchKeywords(specs, "Is there churn risk?", 0.5)
	assert.True(t, out.Matched)
	assert.Equal(t, "risk", out.Specialist)
	assert.InDelta(t, 2.0/3.0, out.Confidence, 1e-9)

	// Substrings of words do not count.
	out = MatchKeywords(specs, "the asterisk renewals", 0.5)
	assert.False(t, out.Matched)
}

func TestMatchKeywordsTieGoesToFirstDeclared(t *testing.T) {
	specs := []domain.SpecialistDefinition{
		{ID: "renewal", RoutingKeywords: []string{"contract"}},
		{ID: "risk", RoutingKeywords: []string{"churn"}},
	}
	out := MatchKeywords(specs, "contract churn", 0.5)
	assert.Equal(t, "renewal", out.Specialist)
}

func TestMatchKeywordsFloor(t *testing.T) {
	specs := []domain.SpecialistDefinition{{ID: "risk", RoutingKeywords: []string{"churn"}}}
	out := MatchKeywords(specs, "churn", 0.6)
	assert.False(t, out.Matched)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestMatchContextOperators(t *testing.T) {
	specs := []domain.SpecialistDefinition{
		{ID: "risk", ContextPredicates: []domain.ContextPredicate{{Field: "health_score", Op: "lt", Value: 50}}},
		{ID: "renewal", ContextPredicates: []domain.ContextPredicate{{Field: "days_to_renewal", Op: "lte", Value: 60}}},
		{ID: "vip", ContextPredicates: []domain.ContextPredicate{{Field: "tier", Op: "eq", Value: "enterprise"}}},
	}

	assert.Equal(t, "risk", MatchContext(specs, domain.CustomerContext{"health_score": 42.0, "days_to_renewal": 10}).Specialist)
	assert.Equal(t, "renewal", MatchContext(specs, domain.CustomerContext{"health_score": 80, "days_to_renewal": "60"}).Specialist)
	assert.Equal(t, "vip", MatchContext(specs, domain.CustomerContext{"tier": "enterprise"}).Specialist)
	assert.False(t, MatchContext(specs, domain.CustomerContext{"health_score": 90}).Matched)
	assert.False(t, MatchContext(specs, nil).Matched)
}

func TestRouteHealthScoreQuestionToRisk(t *testing.T) {
	r, _ := newRouter(t, nil)
	d := r.Route(context.Background(), &domain.Session{ID: "s1"}, "what's the health score for Acme?", nil)

	assert.Equal(t, "risk", d.Specialist)
	assert.Equal(t, domain.RoutingKeyword, d.Method)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestRouteFollowUp(t *testing.T) {
	r, _ := newRouter(t, nil)
	session := &domain.Session{ID: "s1", ActiveSpecialist: "renewal"}

	d := r.Route(context.Background(), session, "and what about next steps?", nil)
	assert.Equal(t, "renewal", d.Specialist)
	assert.Equal(t, domain.RoutingFollowUp, d.Method)
	assert.Equal(t, 0.9, d.Confidence)

	// Another specialist's keywords outweigh the active one.
	d = r.Route(context.Background(), session, "they might churn, they look at risk", nil)
	assert.Equal(t, "risk", d.Specialist)
	assert.Equal(t, domain.RoutingKeyword, d.Method)

	// An explicit topic shift drops out of the follow-up tier.
	d = r.Route(context.Background(), session, "different question: who owns this?", domain.CustomerContext{"days_since_signup": 5})
	assert.Equal(t, "onboarding", d.Specialist)
	assert.Equal(t, domain.RoutingContextRule, d.Method)
}

func TestRouteContextRule(t *testing.T) {
	r, cat := newRouter(t, nil)
	d := r.Route(context.Background(), &domain.Session{ID: "s1"}, "Email finance@acme.com about the overdue invoice", cat.Customers["acme"])

	assert.Equal(t, "risk", d.Specialist)
	assert.Equal(t, domain.RoutingContextRule, d.Method)
	assert.Equal(t, 0.6, d.Confidence)
	require.Len(t, d.Trace, 2)
	assert.Equal(t, domain.RoutingKeyword, d.Trace[0].Method)
}

func TestRouteLLMFallback(t *testing.T) {
	mock := llm.NewMockClient().Enqueue(&llm.ChatResponse{
		Content: "```json\n{\"specialist\": \"onboarding\", \"confidence\": 0.7, \"reasoning\": \"new account\"}\n```",
	})
	r, _ := newRouter(t, mock)

	d := r.Route(context.Background(), &domain.Session{ID: "s1"}, "how do we get them started?", nil)
	assert.Equal(t, "onboarding", d.Specialist)
	assert.Equal(t, domain.RoutingLLMFallback, d.Method)
	assert.Equal(t, 0.7, d.Confidence)
	assert.Equal(t, "new account", d.Reasoning)
}

func TestRouteLLMFailuresUseGeneralist(t *testing.T) {
	cases := map[string]*llm.MockClient{
		"error":      llm.NewMockClient().EnqueueError(errors.New("timeout")),
		"unparsable": llm.NewMockClient().Enqueue(&llm.ChatResponse{Content: "I think risk"}),
		"unknown id": llm.NewMockClient().Enqueue(&llm.ChatResponse{Content: `{"specialist":"legal","confidence":0.9}`}),
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := newRouter(t, client)
			d := r.Route(context.Background(), &domain.Session{ID: "s1"}, "hello there", nil)
			assert.Equal(t, "generalist", d.Specialist)
			assert.Equal(t, domain.RoutingLLMFallback, d.Method)
			assert.Zero(t, d.Confidence)
		})
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r, cat := newRouter(t, nil)
	session := &domain.Session{ID: "s1"}
	first := r.Route(context.Background(), session, "renewal pricing for globex", cat.Customers["globex"])
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Route(context.Background(), session, "renewal pricing for globex", cat.Customers["globex"]))
	}
}

func TestForce(t *testing.T) {
	r, _ := newRouter(t, nil)

	d := r.Force(&domain.Session{ID: "s1"}, "renewal", "contract question")
	assert.Equal(t, "renewal", d.Specialist)
	assert.Equal(t, domain.RoutingHandoff, d.Method)

	d = r.Force(&domain.Session{ID: "s1"}, "legal", "")
	assert.Equal(t, "generalist", d.Specialist)
	assert.Equal(t, domain.RoutingHandoff, d.Method)
}
