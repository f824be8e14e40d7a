package config

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Catalog is the declarative description of specialists, routing and tool policy.
type Catalog struct {
	Generalist  string                            `yaml:"generalist"`
	Routing     RoutingConfig                     `yaml:"routing"`
	Specialists []domain.SpecialistDefinition     `yaml:"specialists"`
	Policy      map[string]domain.PolicyClass     `yaml:"policy"`
	PolicyRego  string                            `yaml:"policy_rego"`
	Customers   map[string]domain.CustomerContext `yaml:"customers"`
}

// RoutingConfig tunes the router tiers.
type RoutingConfig struct {
	KeywordConfidenceFloor float64  `yaml:"keyword_confidence_floor"`
	TopicShiftPhrases      []string `yaml:"topic_shift_phrases"`
	MaxHandoffs            int      `yaml:"max_handoffs"`
}

// Specialist returns the definition with the given id.
func (c *Catalog) Specialist(id string) (domain.SpecialistDefinition, bool) {
	for _, s := range c.Specialists {
		if s.ID == id {
			return s, true
		}
	}
	return domain.SpecialistDefinition{}, false
}

// LoadCatalog reads the catalog at path, or the embedded default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog, expanding ${VAR} references first.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	applyCatalogDefaults(&cat)
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	if cat.PolicyRego != "" {
		b, err := os.ReadFile(cat.PolicyRego)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy module: %w", err)
		}
		cat.PolicyRego = string(b)
	}
	return &cat, nil
}

func applyCatalogDefaults(c *Catalog) {
	if c.Generalist == "" {
		c.Generalist = "generalist"
	}
	if c.Routing.KeywordConfidenceFloor == 0 {
		c.Routing.KeywordConfidenceFloor = 0.5
	}
	if c.Routing.MaxHandoffs == 0 {
		c.Routing.MaxHandoffs = 3
	}
}

var validOps = map[string]bool{"lt": true, "lte": true, "gt": true, "gte": true, "eq": true, "neq": true}

// Validate checks that the catalog is internally consistent.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Specialists))
	for _, s := range c.Specialists {
		if s.ID == "" {
			return fmt.Errorf("specialist with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate specialist %q", s.ID)
		}
		seen[s.ID] = true
		for _, p := range s.ContextPredicates {
			if p.Field == "" || !validOps[p.Op] {
				return fmt.Errorf("specialist %q: invalid context predicate %+v", s.ID, p)
			}
		}
	}
	if !seen[c.Generalist] {
		return fmt.Errorf("generalist specialist %q is not declared", c.Generalist)
	}
	for tool, class := range c.Policy {
		if !class.Valid() {
			return fmt.Errorf("tool %q: unknown policy class %q", tool, class)
		}
	}
	return nil
}

// PolicyTable merges the catalog's policy overrides over the classes tools declare.
func (c *Catalog) PolicyTable(declared map[string]domain.PolicyClass) map[string]domain.PolicyClass {
	table := make(map[string]domain.PolicyClass, len(declared)+len(c.Policy))
	for tool, class := range declared {
		table[tool] = class
	}
	for tool, class := range c.Policy {
		table[tool] = class
	}
	return table
}

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}
