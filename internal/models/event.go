package models

import (
	"encoding/json"
	"time"
)

// Channel names for the two logical WebSocket streams.
const (
	ChannelDecisions = "decisions"
	ChannelAgents    = "agents"
)

// Decisions-channel message types.
const (
	EventDecisionCreated    = "decision_created"
	EventDecisionResolved   = "decision_resolved"
	EventDecisionResurfaced = "decision_resurfaced"
	EventUndoAvailable      = "undo_available"
)

// Agents-channel message types.
const (
	EventCheckpointExpired = "checkpoint_expired"
	EventAgentStatus       = "agent_status"
	EventAgentCompleted    = "agent_completed"
	EventAgentFailed       = "agent_failed"
	EventAgentTimeout      = "agent_timeout"
)

// Control message types exchanged over either channel. These carry no
// sequence number and never reach event handlers.
const (
	EventPing = "ping"
	EventPong = "pong"
)

// Message is one frame on a channel. Seq is a per-channel monotonically
// increasing sequence number; Payload is decoded per Type.
type Message struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecisionEventPayload is the payload of all decisions-channel messages.
// Decision is present on created/resurfaced; resolved and undo_available
// carry only the id plus undo metadata.
type DecisionEventPayload struct {
	DecisionID    string     `json:"decision_id"`
	Decision      *Decision  `json:"decision,omitempty"`
	UndoActionID  string     `json:"undo_action_id,omitempty"`
	UndoExpiresAt *time.Time `json:"undo_expires_at,omitempty"`
}

// AgentEventPayload is the payload of all agents-channel messages.
type AgentEventPayload struct {
	AgentID    string `json:"agent_id"`
	State      string `json:"state,omitempty"`
	Progress   string `json:"progress,omitempty"`
	DecisionID string `json:"decision_id,omitempty"` // set on checkpoint_expired
	Message    string `json:"message,omitempty"`
}
