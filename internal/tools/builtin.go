package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

// Sandbox is an in-process stand-in for the CRM, mail, calendar and document integrations.
// Side-effecting tools honour idempotency keys and record every action they perform.
type Sandbox struct {
	mu        sync.Mutex
	customers map[string]domain.CustomerContext
	results   map[string]json.RawMessage
	actions   []SandboxAction
	calls     map[string]int
}

// SandboxAction is one side effect the sandbox performed.
type SandboxAction struct {
	Tool           string
	IdempotencyKey string
	Args           json.RawMessage
	At             time.Time
}

// NewSandbox creates a sandbox seeded with customer records.
func NewSandbox(customers map[string]domain.CustomerContext) *Sandbox {
	c := make(map[string]domain.CustomerContext, len(customers))
	for k, v := range customers {
		c[k] = v
	}
	return &Sandbox{
		customers: c,
		results:   make(map[string]json.RawMessage),
		calls:     make(map[string]int),
	}
}

// Actions returns the side effects performed so far.
func (s *Sandbox) Actions() []SandboxAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SandboxAction(nil), s.actions...)
}

// Calls returns how many times a tool was invoked, including deduplicated retries.
func (s *Sandbox) Calls(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tool]
}

// SetCustomers replaces the customer records. Recorded actions and idempotency results are kept.
func (s *Sandbox) SetCustomers(customers map[string]domain.CustomerContext) {
	c := make(map[string]domain.CustomerContext, len(customers))
	for k, v := range customers {
		c[k] = v
	}
	s.mu.Lock()
	s.customers = c
	s.mu.Unlock()
}

// Customer returns the context of a known customer.
func (s *Sandbox) Customer(id string) (domain.CustomerContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	return c, ok
}

// Providers returns the sandbox tools.
func (s *Sandbox) Providers() []Provider {
	return []Provider{
		NewFuncProvider(Definition{
			Name:        "customer.lookup",
			Description: "Look up a customer's account record by id.",
			InputSchema: json.RawMessage(customerIDSchema),
			PolicyClass: domain.PolicyAutoApprove,
			ReadOnly:    true,
		}, s.lookup),
		NewFuncProvider(Definition{
			Name:        "health.score",
			Description: "Return the current health score of a customer.",
			InputSchema: json.RawMessage(customerIDSchema),
			PolicyClass: domain.PolicyAutoApprove,
			ReadOnly:    true,
		}, s.healthScore),
		NewFuncProvider(Definition{
			Name:                "email.send",
			Description:         "Send an email on behalf of the CSM.",
			InputSchema:         json.RawMessage(emailSchema),
			PolicyClass:         domain.PolicyRequireApproval,
			SupportsIdempotency: true,
		}, s.sideEffect("email.send", "message_id")),
		NewFuncProvider(Definition{
			Name:                "calendar.schedule",
			Description:         "Schedule a meeting with customer attendees.",
			InputSchema:         json.RawMessage(meetingSchema),
			PolicyClass:         domain.PolicyRequireApproval,
			SupportsIdempotency: true,
		}, s.sideEffect("calendar.schedule", "event_id")),
		NewFuncProvider(Definition{
			Name:                "document.create",
			Description:         "Create a customer-facing document such as a QBR deck or success plan.",
			InputSchema:         json.RawMessage(documentSchema),
			PolicyClass:         domain.PolicyRequireApproval,
			SupportsIdempotency: true,
		}, s.sideEffect("document.create", "document_id")),
		NewFuncProvider(Definition{
			Name:        "customer.delete",
			Description: "Permanently delete a customer account.",
			InputSchema: json.RawMessage(customerIDSchema),
			PolicyClass: domain.PolicyNeverApprove,
		}, s.sideEffect("customer.delete", "deleted_id")),
	}
}

type customerArgs struct {
	CustomerID string `json:"customer_id"`
}

func (s *Sandbox) lookup(ctx context.Context, args json.RawMessage, _ string) (json.RawMessage, error) {
	var a customerArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	s.mu.Lock()
	s.calls["customer.lookup"]++
	c, ok := s.customers[a.CustomerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("customer %q not found", a.CustomerID)
	}
	out := map[string]any{"customer_id": a.CustomerID}
	for k, v := range c {
		out[k] = v
	}
	return json.Marshal(out)
}

func (s *Sandbox) healthScore(ctx context.Context, args json.RawMessage, _ string) (json.RawMessage, error) {
	var a customerArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	s.mu.Lock()
	s.calls["health.score"]++
	c, ok := s.customers[a.CustomerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("customer %q not found", a.CustomerID)
	}
	return json.Marshal(map[string]any{"customer_id": a.CustomerID, "health_score": c["health_score"]})
}

// sideEffect returns an executor that records an action once per idempotency key.
func (s *Sandbox) sideEffect(tool, idField string) ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage, key string) (json.RawMessage, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls[tool]++
		if prior, ok := s.results[key]; ok && key != "" {
			return prior, nil
		}
		s.actions = append(s.actions, SandboxAction{Tool: tool, IdempotencyKey: key, Args: args, At: time.Now().UTC()})
		result, err := json.Marshal(map[string]string{idField: uuid.NewString(), "status": "done"})
		if err != nil {
			return nil, err
		}
		if key != "" {
			s.results[key] = result
		}
		return result, nil
	}
}

const customerIDSchema = `{
	"type": "object",
	"properties": {"customer_id": {"type": "string", "minLength": 1}},
	"required": ["customer_id"],
	"additionalProperties": false
}`

const emailSchema = `{
	"type": "object",
	"properties": {
		"to": {"type": "string", "format": "email"},
		"cc": {"type": "array", "items": {"type": "string", "format": "email"}},
		"subject": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1}
	},
	"required": ["to", "subject", "body"],
	"additionalProperties": false
}`

const meetingSchema = `{
	"type": "object",
	"properties": {
		"customer_id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"start": {"type": "string", "format": "date-time"},
		"duration_minutes": {"type": "integer", "minimum": 5, "maximum": 480},
		"attendees": {"type": "array", "items": {"type": "string", "format": "email"}, "minItems": 1}
	},
	"required": ["title", "start", "attendees"],
	"additionalProperties": false
}`

const documentSchema = `{
	"type": "object",
	"properties": {
		"customer_id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"kind": {"enum": ["qbr", "success_plan", "renewal_proposal", "notes"]},
		"content": {"type": "string"}
	},
	"required": ["customer_id", "title", "kind"],
	"additionalProperties": false
}`
