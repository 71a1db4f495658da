package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestJobStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("JobStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("claim: %w", Persistence("redis claim", cause))

	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence in chain: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain: %v", err)
	}
}

func TestPersistenceKeepsExistingKind(t *testing.T) {
	err := Persistence("get file", NotFound("get file", "file f-1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrPersistence) {
		t.Fatalf("not-found must not be reclassified as persistence: %v", err)
	}
	if Persistence("noop", nil) != nil {
		t.Fatal("Persistence(nil) must be nil")
	}
}
