// Package model defines the core data types shared across all kiln
// internal packages: the Message/Result pair exchanged between callers,
// workers and corelet subprocesses, the error classification attached to
// failed Results, and the message status lifecycle.
package model

import (
	"encoding/json"
	"time"
)

// Message status constants.
const (
	StatusSubmitted      = "submitted"
	StatusWaitingOnSched = "waiting_on_schedule"
	StatusWaitingOnRate  = "waiting_on_rate_limit"
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusSucceeded      = "succeeded"
	StatusFailed         = "failed"
	StatusRetryScheduled = "retry_scheduled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusSubmitted: {
		StatusWaitingOnSched: true,
		StatusWaitingOnRate:  true,
		StatusQueued:         true,
		StatusFailed:         true,
	},
	StatusWaitingOnSched: {
		StatusWaitingOnRate: true,
		StatusQueued:        true,
	},
	StatusWaitingOnRate: {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusRetryScheduled: true,
	},
	StatusRetryScheduled: {
		StatusSubmitted: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Message is a typed unit of work submitted to the dispatcher.
// It carries everything the engine needs for routing, ordering, retry and
// timeout decisions. The payload is opaque to the engine and kept as raw
// JSON so that process-mode messages can cross the corelet boundary
// without any live handles.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Priority orders the shared queue: lower values are serviced first,
	// ties broken by submission order.
	Priority int `json:"priority"`

	// RetryMax is the retry budget granted at submission; RetryLeft is the
	// remaining budget and only ever decreases.
	RetryMax  int `json:"retry_max"`
	RetryLeft int `json:"retry_left"`

	// TimeoutS is the wall-clock execution budget in seconds. Must be > 0.
	TimeoutS int `json:"timeout_s"`

	// DelayUntil, when set to a future instant, defers execution until then.
	DelayUntil *time.Time `json:"delay_until,omitempty"`

	// OnSuccess and OnFailure name follow-up message types submitted with
	// this message's outcome once it reaches a terminal state.
	OnSuccess string `json:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty"`

	// AbortOnError suppresses both retries and failure chaining.
	AbortOnError bool `json:"abort_on_error,omitempty"`

	// OriginID is the ID of the first attempt of this logical task. Empty
	// on the first attempt itself; set on retry clones so the terminal
	// result can be delivered under the ID the submitter holds.
	OriginID string `json:"origin_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Origin returns the ID the original submitter holds for this logical
// task: OriginID on a retry attempt, the message's own ID otherwise.
func (m *Message) Origin() string {
	if m.OriginID != "" {
		return m.OriginID
	}
	return m.ID
}

// Clone returns a new attempt of the same logical task: a copy with a
// fresh ID and creation time, keeping the origin ID stable across retries.
func (m *Message) Clone() *Message {
	c := *m
	c.ID = NewID()
	c.OriginID = m.Origin()
	c.CreatedAt = time.Now().UTC()
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.DelayUntil != nil {
		t := *m.DelayUntil
		c.DelayUntil = &t
	}
	return &c
}

// Timeout returns the message's execution budget as a duration.
func (m *Message) Timeout() time.Duration {
	return time.Duration(m.TimeoutS) * time.Second
}

// Result holds the terminal outcome of a message execution.
type Result struct {
	MessageID string          `json:"message_id"`
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`

	// Attempts counts the retries consumed before this result became terminal.
	Attempts int `json:"attempts"`

	// Message is a back-reference to the originating message.
	Message *Message `json:"message,omitempty"`

	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded builds a success result for msg.
func Succeeded(msg *Message, data json.RawMessage) *Result {
	return &Result{
		MessageID:  msg.ID,
		Type:       msg.Type,
		Success:    true,
		Data:       data,
		Attempts:   msg.RetryMax - msg.RetryLeft,
		Message:    msg,
		FinishedAt: time.Now().UTC(),
	}
}

// Failed builds a failure result for msg with the given error kind.
func Failed(msg *Message, kind ErrorKind, desc string) *Result {
	return &Result{
		MessageID:  msg.ID,
		Type:       msg.Type,
		Error:      &TaskError{Kind: kind, Description: desc},
		Attempts:   msg.RetryMax - msg.RetryLeft,
		Message:    msg,
		FinishedAt: time.Now().UTC(),
	}
}
