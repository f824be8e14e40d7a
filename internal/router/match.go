package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// KeywordScore is the number of distinct routing keywords of a specialist found in a message.
type KeywordScore struct {
	Specialist string
	Matches    int
}

// Confidence maps a match count m to m/(m+1).
func (k KeywordScore) Confidence() float64 {
	if k.Matches <= 0 {
		return 0
	}
	return float64(k.Matches) / float64(k.Matches+1)
}

// Normalize lowercases s and reduces it to single-space separated words, padded with a space on
// both sides so that whole phrases can be matched with strings.Contains.
func Normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return " "
	}
	return " " + strings.Join(words, " ") + " "
}

// containsPhrase reports whether the normalized phrase occurs as whole words in normalized text.
func containsPhrase(text, phrase string) bool {
	p := Normalize(phrase)
	if p == " " {
		return false
	}
	return strings.Contains(text, p)
}

// ScoreKeywords counts distinct keyword matches per specialist, in declaration order.
func ScoreKeywords(specialists []domain.SpecialistDefinition, message string) []KeywordScore {
	text := Normalize(message)
	scores := make([]KeywordScore, 0, len(specialists))
	for _, s := range specialists {
		seen := make(map[string]bool, len(s.RoutingKeywords))
		n := 0
		for _, kw := range s.RoutingKeywords {
			key := Normalize(kw)
			if seen[key] {
				continue
			}
			seen[key] = true
			if containsPhrase(text, kw) {
				n++
			}
		}
		scores = append(scores, KeywordScore{Specialist: s.ID, Matches: n})
	}
	return scores
}

// MatchKeywords is the keyword tier: the specialist with the most distinct matches wins if its
// confidence reaches floor. Ties go to the specialist declared first.
func MatchKeywords(specialists []domain.SpecialistDefinition, message string, floor float64) domain.TierOutcome {
	out := domain.TierOutcome{Method: domain.RoutingKeyword}
	best := KeywordScore{}
	for _, sc := range ScoreKeywords(specialists, message) {
		if sc.Matches > best.Matches {
			best = sc
		}
	}
	if best.Matches == 0 {
		out.Note = "no keyword matched"
		return out
	}
	out.Specialist = best.Specialist
	out.Confidence = best.Confidence()
	out.Matched = out.Confidence >= floor
	out.Note = fmt.Sprintf("%d distinct keyword(s) matched", best.Matches)
	return out
}

// MatchContext is the context-rule tier: the first specialist, in declaration order, with a
// predicate satisfied by the customer context wins.
func MatchContext(specialists []domain.SpecialistDefinition, cc domain.CustomerContext) domain.TierOutcome {
	out := domain.TierOutcome{Method: domain.RoutingContextRule}
	if len(cc) == 0 {
		out.Note = "no customer context"
		return out
	}
	for _, s := range specialists {
		for _, p := range s.ContextPredicates {
			if evalPredicate(p, cc) {
				out.Specialist = s.ID
				out.Confidence = contextConfidence
				out.Matched = true
				out.Note = fmt.Sprintf("%s %s %v", p.Field, p.Op, p.Value)
				return out
			}
		}
	}
	out.Note = "no context rule matched"
	return out
}

func evalPredicate(p domain.ContextPredicate, cc domain.CustomerContext) bool {
	actual, ok := cc[p.Field]
	if !ok || actual == nil {
		return false
	}
	a, aok := toFloat(actual)
	b, bok := toFloat(p.Value)
	if aok && bok {
		switch p.Op {
		case "lt":
			return a < b
		case "lte":
			return a <= b
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "eq":
			return a == b
		case "neq":
			return a != b
		}
		return false
	}
	switch p.Op {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(p.Value)
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(p.Value)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
