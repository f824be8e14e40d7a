package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Tool is a registered provider with its compiled argument schema.
type Tool struct {
	Provider
	def    Definition
	schema *jsonschema.Schema
}

// Definition returns the cached definition.
func (t *Tool) Definition() Definition { return t.def }

// Validate checks args against the tool's input schema.
func (t *Tool) Validate(args json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", domain.ErrValidation, err)
	}
	if err := t.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", domain.ErrValidation, ve.Error())
		}
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

type snapshot map[string]*Tool

// Registry maps tool names to providers. Every change installs a new snapshot; lookups never lock.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Register adds a provider. It fails on duplicates and on invalid schemas.
func (r *Registry) Register(p Provider) error {
	tool, err := compile(p)
	if err != nil {
		return err
	}
	for {
		old := r.current.Load()
		if _, exists := (*old)[tool.def.Name]; exists {
			return fmt.Errorf("tool already registered: %s", tool.def.Name)
		}
		next := make(snapshot, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[tool.def.Name] = tool
		if r.current.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// Replace swaps the whole tool set in one step.
func (r *Registry) Replace(providers ...Provider) error {
	next := make(snapshot, len(providers))
	for _, p := range providers {
		tool, err := compile(p)
		if err != nil {
			return err
		}
		if _, exists := next[tool.def.Name]; exists {
			return fmt.Errorf("tool already registered: %s", tool.def.Name)
		}
		next[tool.def.Name] = tool
	}
	r.current.Store(&next)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := (*r.current.Load())[name]
	return t, ok
}

// Subset returns the definitions of the named tools that exist, in the given order.
func (r *Registry) Subset(names []string) []Definition {
	snap := *r.current.Load()
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if t, ok := snap[n]; ok {
			out = append(out, t.def)
		}
	}
	return out
}

// Definitions lists every registered tool sorted by name.
func (r *Registry) Definitions() []Definition {
	snap := *r.current.Load()
	out := make([]Definition, 0, len(snap))
	for _, t := range snap {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeclaredClasses returns the policy class each provider declares for itself.
func (r *Registry) DeclaredClasses() map[string]domain.PolicyClass {
	snap := *r.current.Load()
	out := make(map[string]domain.PolicyClass, len(snap))
	for name, t := range snap {
		if t.def.PolicyClass.Valid() {
			out[name] = t.def.PolicyClass
		}
	}
	return out
}

func compile(p Provider) (*Tool, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	def := p.Definition()
	if def.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	tool := &Tool{Provider: p, def: def}
	if len(def.InputSchema) == 0 {
		return tool, nil
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	url := "mem://tools/" + def.Name + ".json"
	if err := c.AddResource(url, bytes.NewReader(def.InputSchema)); err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
	}
	tool.schema = schema
	return tool, nil
}
