package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/helmdesk/helmdesk-sync/internal/models"
	"github.com/helmdesk/helmdesk-sync/internal/store"
)

// DecisionEvents maps decisions-channel messages onto the decision store.
// Every known event type applies exactly one store mutation; events that
// reference a decision no longer in the store fall through to the store's
// no-op semantics rather than erroring.
type DecisionEvents struct {
	store *store.Store
	log   *slog.Logger
}

func NewDecisionEvents(st *store.Store, log *slog.Logger) *DecisionEvents {
	if log == nil {
		log = slog.Default()
	}
	return &DecisionEvents{store: st, log: log}
}

// Handle applies one decisions-channel message.
func (h *DecisionEvents) Handle(msg models.Message) {
	var p models.DecisionEventPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.log.Warn("dropping undecodable decision event", "type", msg.Type, "error", err)
			return
		}
	}
	id := p.DecisionID
	if id == "" && p.Decision != nil {
		id = p.Decision.ID
	}

	switch msg.Type {
	case models.EventDecisionCreated, models.EventDecisionResolved,
		models.EventDecisionResurfaced, models.EventUndoAvailable:
		h.store.HandleEvent(store.Event{
			Type:          msg.Type,
			DecisionID:    id,
			Decision:      p.Decision,
			UndoActionID:  p.UndoActionID,
			UndoExpiresAt: p.UndoExpiresAt,
		})
	default:
		h.log.Debug("ignoring unknown decision event", "type", msg.Type, "seq", msg.Seq)
	}
}

// AgentEvents maps agents-channel messages onto the agent status
// projection and the notification queue. Agents-channel events never touch
// the decision store.
type AgentEvents struct {
	agents *store.AgentStatusStore
	notifs *store.NotificationQueue
	log    *slog.Logger
}

func NewAgentEvents(agents *store.AgentStatusStore, notifs *store.NotificationQueue, log *slog.Logger) *AgentEvents {
	if log == nil {
		log = slog.Default()
	}
	return &AgentEvents{agents: agents, notifs: notifs, log: log}
}

// Handle applies one agents-channel message.
func (h *AgentEvents) Handle(msg models.Message) {
	var p models.AgentEventPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			h.log.Warn("dropping undecodable agent event", "type", msg.Type, "error", err)
			return
		}
	}

	switch msg.Type {
	case models.EventAgentStatus:
		state := p.State
		if state == "" {
			state = "running"
		}
		h.agents.SetStatus(p.AgentID, state, p.Progress)
	case models.EventAgentCompleted:
		h.agents.SetStatus(p.AgentID, "completed", p.Progress)
	case models.EventAgentFailed:
		h.agents.SetStatus(p.AgentID, "failed", p.Progress)
		h.notifs.Push("agent_failed", failureMessage("failed", p))
	case models.EventAgentTimeout:
		h.agents.SetStatus(p.AgentID, "timeout", p.Progress)
		h.notifs.Push("agent_timeout", failureMessage("timed out", p))
	case models.EventCheckpointExpired:
		h.notifs.Push("checkpoint_expired", checkpointMessage(p))
	default:
		h.log.Debug("ignoring unknown agent event", "type", msg.Type, "seq", msg.Seq)
	}
}

func failureMessage(verb string, p models.AgentEventPayload) string {
	if p.Message != "" {
		return fmt.Sprintf("agent %s %s: %s", p.AgentID, verb, p.Message)
	}
	return fmt.Sprintf("agent %s %s", p.AgentID, verb)
}

func checkpointMessage(p models.AgentEventPayload) string {
	if p.DecisionID != "" {
		return fmt.Sprintf("checkpoint expired for decision %s", p.DecisionID)
	}
	return "a checkpoint expired without a response"
}
