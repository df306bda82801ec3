package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
)

// InMemoryStore keeps all state in process memory. It backs tests and
// development runs; production deployments use the SQLite or Postgres store.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	queues        map[string]models.Queue
	agents        map[string]models.Agent
	flows         map[string]models.Flow
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		queues:        make(map[string]models.Queue),
		agents:        make(map[string]models.Agent),
		flows:         make(map[string]models.Flow),
	}
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.conversations[c.ID]; ok {
		if err := guardTransition(&prev, c); err != nil {
			slog.Error("InMemoryStore SaveConversation rejected transition", "id", c.ID, "from", prev.Status, "to", c.Status)
			return err
		}
	}
	c.UpdatedAt = time.Now().UTC()
	s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	out := cloneConversation(c)
	return &out, nil
}

func (s *InMemoryStore) ListQueued(queueID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.Status != models.StatusQueued {
			continue
		}
		if queueID != "" && c.QueueID != queueID {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		ti, tj := out[i].QueuedAt, out[j].QueuedAt
		if ti == nil {
			return false
		}
		if tj == nil {
			return true
		}
		return ti.Before(*tj)
	})
	return out, nil
}

func (s *InMemoryStore) ClaimConversation(id, agentID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, models.ErrConversationNotFound
	}
	if c.Status != models.StatusQueued {
		return false, nil
	}
	c.Status = models.StatusAgentActive
	c.AssignedAgentID = agentID
	assigned := at.UTC()
	c.AssignedAt = &assigned
	c.QueuedAt = nil
	c.UpdatedAt = assigned
	s.conversations[id] = c
	return true, nil
}

func (s *InMemoryStore) CountQueued(queueID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conversations {
		if c.Status == models.StatusQueued && c.QueueID == queueID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListDueWakes(now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, c := range s.conversations {
		if c.Status == models.StatusBotActive && c.BotActive && c.WakeAt != nil && !c.WakeAt.After(now) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) SaveQueue(q models.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.ID] = q
	return nil
}

func (s *InMemoryStore) GetQueue(id string) (*models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, models.ErrQueueNotFound
	}
	return &q, nil
}

func (s *InMemoryStore) ListDepartmentQueues(departmentID string) ([]models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Queue
	for _, q := range s.queues {
		if q.DepartmentID == departmentID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveAgent(a models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

func (s *InMemoryStore) GetAgent(id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, models.ErrAgentNotFound
	}
	return &a, nil
}

func (s *InMemoryStore) AdjustAgentActive(id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return models.ErrAgentNotFound
	}
	a.ActiveConversations += delta
	if a.ActiveConversations < 0 {
		a.ActiveConversations = 0
	}
	s.agents[id] = a
	return nil
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return &f, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// cloneConversation deep-copies the mutable fields so callers cannot alias
// the store's internal state.
func cloneConversation(c models.Conversation) models.Conversation {
	out := c
	if c.Context != nil {
		out.Context = make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			out.Context[k] = v
		}
	}
	if c.OverflowHistory != nil {
		out.OverflowHistory = append([]models.OverflowEntry(nil), c.OverflowHistory...)
	}
	if c.QueuedAt != nil {
		t := *c.QueuedAt
		out.QueuedAt = &t
	}
	if c.AssignedAt != nil {
		t := *c.AssignedAt
		out.AssignedAt = &t
	}
	if c.WakeAt != nil {
		t := *c.WakeAt
		out.WakeAt = &t
	}
	return out
}
