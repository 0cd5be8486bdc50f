package models

import "time"

// DecisionKind identifies what kind of human input a decision is asking for.
type DecisionKind string

const (
	KindTriage        DecisionKind = "triage"
	KindSpecify       DecisionKind = "specify"
	KindClarifying    DecisionKind = "clarifying"
	KindCheckpoint    DecisionKind = "checkpoint"
	KindVerifying     DecisionKind = "verifying"
	KindReview        DecisionKind = "review"
	KindConflict      DecisionKind = "conflict"
	KindEscalate      DecisionKind = "escalate"
	KindEnrich        DecisionKind = "enrich"
	KindMeetingTriage DecisionKind = "meeting_triage"
	KindApproval      DecisionKind = "approval"
	KindCategorize    DecisionKind = "categorize"
)

// DecisionStatus is the lifecycle status of a decision.
type DecisionStatus string

const (
	StatusPending   DecisionStatus = "pending"
	StatusCompleted DecisionStatus = "completed"
	StatusDeferred  DecisionStatus = "deferred"
)

// Priority orders decisions in the triage queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Subject references the underlying item a decision acts on.
type Subject struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Decision is a unit of work produced by the Engine that awaits human input.
// The ID is assigned by the server and immutable; the Data payload shape is
// determined by Kind.
type Decision struct {
	ID            string         `json:"id"`
	Kind          DecisionKind   `json:"kind"`
	Status        DecisionStatus `json:"status"`
	Priority      Priority       `json:"priority"`
	Subject       Subject        `json:"subject"`
	Data          map[string]any `json:"data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DeferCount    int            `json:"defer_count,omitempty"`
	DeferredUntil *time.Time     `json:"deferred_until,omitempty"`
	UndoActionID  string         `json:"undo_action_id,omitempty"`
	UndoExpiresAt *time.Time     `json:"undo_expires_at,omitempty"`
}

// UndoableAction records that a recent resolution can still be reverted.
// At most one live entry exists per decision; entries are invalid once
// ExpiresAt has passed.
type UndoableAction struct {
	ActionID   string    `json:"action_id"`
	DecisionID string    `json:"decision_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the undo window has closed.
func (a UndoableAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Notification is a transient user-facing alert (e.g. checkpoint expiry).
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentStatus is the latest observed state of one Engine worker.
type AgentStatus struct {
	AgentID   string    `json:"agent_id"`
	State     string    `json:"state"` // running, completed, failed, timeout
	Progress  string    `json:"progress,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
