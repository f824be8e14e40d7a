package domain

import "time"

// Session represents a conversation between one user and the assistant about one customer.
type Session struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	CustomerID        string        `json:"customer_id,omitempty"`
	ActiveSpecialist  string        `json:"active_specialist,omitempty"`
	Status            SessionStatus `json:"status"`
	SpecialistHistory []string      `json:"specialist_history,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
}

// Expired reports whether the session passed its inactivity deadline at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so cached sessions are never shared across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.SpecialistHistory != nil {
		c.SpecialistHistory = append([]string(nil), s.SpecialistHistory...)
	}
	return &c
}

// Message represents a single immutable message in a session.
type Message struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	Seq          int64       `json:"seq"`
	Role         MessageRole `json:"role"`
	Content      string      `json:"content"`
	SpecialistID string      `json:"specialist_id,omitempty"`
	ToolCallIDs  []string    `json:"tool_call_ids,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
