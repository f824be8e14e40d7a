// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/csagent/internal/domain"
	"github.com/xiaot623/gogo/csagent/internal/repository"
)

// NewTestSQLiteStore returns a migrated in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// Now returns the current time at the millisecond precision the store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// SeedSession inserts an active session and returns it.
func SeedSession(t *testing.T, store repository.Store, userID, customerID string) *domain.Session {
	t.Helper()
	now := Now()
	s := &domain.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CustomerID:     customerID,
		Status:         domain.SessionStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(24 * time.Hour),
	}
	if err := store.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s
}

// SeedMessage appends an agent message to the session and returns it.
func SeedMessage(t *testing.T, store repository.Store, sessionID, content string) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         domain.RoleAgent,
		Content:      content,
		SpecialistID: "risk",
		CreatedAt:    Now(),
	}
	if err := store.AppendMessage(context.Background(), m); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	return m
}
