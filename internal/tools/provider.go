package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Provider is an integration that performs one tool.
type Provider interface {
	Definition() Definition
	// Execute runs the tool. idempotencyKey is stable across retries of the same tool call.
	Execute(ctx context.Context, args json.RawMessage, idempotencyKey string) (json.RawMessage, error)
}

// Definition describes a tool to the registry, the policy engine and the LLM.
type Definition struct {
	Name                string
	Description         string
	InputSchema         json.RawMessage
	PolicyClass         domain.PolicyClass
	ReadOnly            bool
	SupportsIdempotency bool
	// Timeout overrides the executor default when non-zero.
	Timeout time.Duration
}

// Descriptor converts the definition to its public form.
func (d Definition) Descriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		Name:                d.Name,
		Description:         d.Description,
		InputSchema:         d.InputSchema,
		PolicyClass:         d.PolicyClass,
		ReadOnly:            d.ReadOnly,
		SupportsIdempotency: d.SupportsIdempotency,
	}
}

// ExecutorFunc adapts a plain function to Provider.
type ExecutorFunc func(ctx context.Context, args json.RawMessage, idempotencyKey string) (json.RawMessage, error)

type funcProvider struct {
	def  Definition
	exec ExecutorFunc
}

// NewFuncProvider builds a Provider from a definition and a function.
func NewFuncProvider(def Definition, exec ExecutorFunc) Provider {
	return &funcProvider{def: def, exec: exec}
}

func (p *funcProvider) Definition() Definition { return p.def }

func (p *funcProvider) Execute(ctx context.Context, args json.RawMessage, key string) (json.RawMessage, error) {
	return p.exec(ctx, args, key)
}

// TransientError marks a provider failure worth retrying.
// Applied is set when the external system may already have performed the action.
type TransientError struct {
	Err     error
	Applied bool
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{domain.ErrTransientExternal, e.Err}
}

// Transient wraps err as a retryable failure that did not reach the external system.
func Transient(err error) error {
	return &TransientError{Err: err}
}
