package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Engine classifies tools with an OPA policy. It is the single source of truth for approval classes.
type Engine struct {
	current atomic.Pointer[compiled]
}

type compiled struct {
	query rego.PreparedEvalQuery
	table map[string]domain.PolicyClass
}

// NewEngine prepares the policy over the class table. An empty module uses DefaultPolicy.
func NewEngine(ctx context.Context, table map[string]domain.PolicyClass, module string) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(ctx, table, module); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload prepares a new query and swaps it in atomically. On error the previous policy stays active.
func (e *Engine) Reload(ctx context.Context, table map[string]domain.PolicyClass, module string) error {
	if module == "" {
		module = DefaultPolicy
	}
	classes := make(map[string]interface{}, len(table))
	snapshot := make(map[string]domain.PolicyClass, len(table))
	for tool, class := range table {
		if !class.Valid() {
			return fmt.Errorf("tool %q: unknown policy class %q", tool, class)
		}
		classes[tool] = string(class)
		snapshot[tool] = class
	}

	r := rego.New(
		rego.Query("data.tool_policy.verdict"),
		rego.Module("tool_policy.rego", module),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"classes": classes})),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare rego: %w", err)
	}

	e.current.Store(&compiled{query: query, table: snapshot})
	return nil
}

// Classify returns the approval class of a tool. Unknown tools are never-approve.
func (e *Engine) Classify(ctx context.Context, toolName string) (domain.PolicyClass, error) {
	c := e.current.Load()
	results, err := c.query.Eval(ctx, rego.EvalInput(map[string]interface{}{"tool_name": toolName}))
	if err != nil {
		return domain.PolicyNeverApprove, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyNeverApprove, nil
	}

	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return domain.PolicyNeverApprove, fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	class := domain.PolicyClass(s)
	if !class.Valid() {
		return domain.PolicyNeverApprove, fmt.Errorf("policy returned unknown class %q", s)
	}
	return class, nil
}

// Table returns a copy of the class table currently in force.
func (e *Engine) Table() map[string]domain.PolicyClass {
	c := e.current.Load()
	out := make(map[string]domain.PolicyClass, len(c.table))
	for k, v := range c.table {
		out[k] = v
	}
	return out
}

// DefaultPolicy looks the tool up in data.classes and denies anything unlisted.
const DefaultPolicy = `
package tool_policy

default verdict = "never-approve"

verdict = v {
	v := data.classes[input.tool_name]
}
`
