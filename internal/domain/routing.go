package domain

// RoutingDecision explains which specialist handles a turn and why.
type RoutingDecision struct {
	Specialist string        `json:"specialist"`
	Method     RoutingMethod `json:"method"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Trace      []TierOutcome `json:"trace,omitempty"`
}

// TierOutcome records what one routing tier concluded.
type TierOutcome struct {
	Method     RoutingMethod `json:"method"`
	Specialist string        `json:"specialist,omitempty"`
	Confidence float64       `json:"confidence"`
	Matched    bool          `json:"matched"`
	Note       string        `json:"note,omitempty"`
}

// SpecialistDefinition declares a specialist handler and its routing signals.
type SpecialistDefinition struct {
	ID                string             `json:"id" yaml:"id"`
	Description       string             `json:"description" yaml:"description"`
	Instructions      string             `json:"instructions,omitempty" yaml:"instructions"`
	AllowedTools      []string           `json:"allowed_tools" yaml:"allowed_tools"`
	RoutingKeywords   []string           `json:"routing_keywords,omitempty" yaml:"routing_keywords"`
	ContextPredicates []ContextPredicate `json:"context_predicates,omitempty" yaml:"context_predicates"`
}

// Allows reports whether the specialist may request the named tool.
func (d *SpecialistDefinition) Allows(tool string) bool {
	for _, t := range d.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// ContextPredicate is a structured condition over customer context values.
type ContextPredicate struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

// CustomerContext carries opaque customer attributes such as health_score or days_to_renewal.
type CustomerContext map[string]any
