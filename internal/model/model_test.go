package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusSubmitted, StatusQueued, true},
		{StatusSubmitted, StatusWaitingOnSched, true},
		{StatusWaitingOnRate, StatusQueued, true},
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusRetryScheduled, true},
		{StatusRetryScheduled, StatusSubmitted, true},
		{StatusSucceeded, StatusRunning, false},
		{StatusQueued, StatusSucceeded, false},
		{StatusRunning, StatusQueued, false},
		{"bogus", StatusQueued, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCloneGivesFreshIdentity(t *testing.T) {
	due := time.Now().Add(time.Minute)
	m := &Message{
		ID:         NewID(),
		Type:       "email",
		Payload:    json.RawMessage(`{"to":"a@b.c"}`),
		Priority:   3,
		RetryMax:   5,
		RetryLeft:  2,
		TimeoutS:   10,
		DelayUntil: &due,
		CreatedAt:  time.Now().Add(-time.Hour),
	}

	c := m.Clone()

	if c.ID == m.ID {
		t.Error("Clone kept the original ID")
	}
	if c.Origin() != m.ID {
		t.Errorf("Origin() = %q, want first attempt's ID %q", c.Origin(), m.ID)
	}
	if cc := c.Clone(); cc.Origin() != m.ID {
		t.Errorf("second-generation Origin() = %q, want %q", cc.Origin(), m.ID)
	}
	if !c.CreatedAt.After(m.CreatedAt) {
		t.Error("Clone did not refresh CreatedAt")
	}
	if c.Type != m.Type || c.Priority != m.Priority || c.RetryLeft != m.RetryLeft {
		t.Error("Clone changed routing or retry fields")
	}

	// Payload must be an independent copy.
	c.Payload[0] = 'X'
	if m.Payload[0] == 'X' {
		t.Error("Clone shares the payload backing array")
	}
	if c.DelayUntil == m.DelayUntil {
		t.Error("Clone shares the DelayUntil pointer")
	}
}

func TestResultConstructors(t *testing.T) {
	m := &Message{ID: NewID(), Type: "resize", RetryMax: 3, RetryLeft: 1, TimeoutS: 5}

	ok := Succeeded(m, json.RawMessage(`"done"`))
	if !ok.Success || ok.Error != nil {
		t.Errorf("Succeeded produced %+v", ok)
	}
	if ok.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", ok.Attempts)
	}
	if ok.MessageID != m.ID || ok.Message != m {
		t.Error("Succeeded lost the message back-reference")
	}

	bad := Failed(m, KindTimeout, "deadline exceeded")
	if bad.Success || bad.Error == nil {
		t.Errorf("Failed produced %+v", bad)
	}
	if bad.Error.Kind != KindTimeout {
		t.Errorf("Error.Kind = %q, want %q", bad.Error.Kind, KindTimeout)
	}
	if got := bad.Error.Error(); got != "timeout: deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
}
