// Copyright 2025 James Ross
package job

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "j_") {
		t.Fatalf("expected j_ prefix, got %q", id)
	}
	if len(id) != len("j_")+12 {
		t.Fatalf("expected 12 hex chars after prefix, got %q", id)
	}
}

func TestStatusTerminalAndInProgress(t *testing.T) {
	cases := []struct {
		status     Status
		terminal   bool
		inProgress bool
	}{
		{StatusQueued, false, false},
		{StatusRunning, false, true},
		{StatusCanceling, false, true},
		{StatusSucceeded, true, false},
		{StatusFailed, true, false},
		{StatusCanceled, true, false},
	}
	for _, c := range cases {
		if got := c.status.Terminal(); got != c.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", c.status, got, c.terminal)
		}
		if got := c.status.InProgress(); got != c.inProgress {
			t.Errorf("%s.InProgress() = %v, want %v", c.status, got, c.inProgress)
		}
		if !c.status.Valid() {
			t.Errorf("%s should be Valid()", c.status)
		}
	}
	if Status("bogus").Valid() {
		t.Fatal("expected bogus status to be invalid")
	}
}

func TestNewRecordDefaults(t *testing.T) {
	now := time.Now().UTC()
	rec := NewRecord("j_abc123def456", "owner-1", "idem-1", `{"prompt":"a cat"}`, now)
	if rec.Status != StatusQueued {
		t.Fatalf("expected new record to be queued, got %s", rec.Status)
	}
	if rec.Progress != 0 {
		t.Fatalf("expected zero progress, got %f", rec.Progress)
	}
	if rec.ProtocolVersion != protocolVersion {
		t.Fatalf("expected protocol version %s, got %s", protocolVersion, rec.ProtocolVersion)
	}
	if rec.StartedAt != nil || rec.FinishedAt != nil {
		t.Fatal("expected unset started_at/finished_at on a fresh record")
	}
}
