package store

import (
	"maps"
	"sync"
	"time"

	"github.com/helmdesk/helmdesk-sync/internal/models"
)

// AgentStatusStore holds the latest observed state per Engine worker.
// Agents-channel status ticks only touch this projection, never the
// decision list.
type AgentStatusStore struct {
	mu     sync.Mutex
	agents map[string]models.AgentStatus
	obs    *Value[map[string]models.AgentStatus]
	now    func() time.Time
}

func NewAgentStatusStore() *AgentStatusStore {
	return &AgentStatusStore{
		agents: make(map[string]models.AgentStatus),
		obs:    NewValue(map[string]models.AgentStatus{}),
		now:    time.Now,
	}
}

// SetStatus records the newest state for an agent.
func (s *AgentStatusStore) SetStatus(agentID, state, progress string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	s.agents[agentID] = models.AgentStatus{
		AgentID:   agentID,
		State:     state,
		Progress:  progress,
		UpdatedAt: s.now(),
	}
	snapshot := maps.Clone(s.agents)
	s.mu.Unlock()
	s.obs.Set(snapshot)
}

// Status returns the latest status for one agent.
func (s *AgentStatusStore) Status(agentID string) (models.AgentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	return st, ok
}

// Snapshot returns a copy of all known agent statuses.
func (s *AgentStatusStore) Snapshot() map[string]models.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.agents)
}

// Subscribe returns a channel receiving the status map after every change,
// plus a cancel func.
func (s *AgentStatusStore) Subscribe() (<-chan map[string]models.AgentStatus, func()) {
	return s.obs.Subscribe()
}
