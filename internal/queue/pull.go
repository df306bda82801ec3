package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

// PullService implements the agent-initiated claim of the next eligible
// queued conversation. Candidates are scanned linearly in priority order;
// queue sizes are capacity-bounded, so the scan stays small and the filter
// semantics stay auditable.
type PullService struct {
	store store.Store
	now   func() time.Time
}

// NewPullService creates a pull service over the given store.
func NewPullService(st store.Store) *PullService {
	return &PullService{store: st, now: time.Now}
}

// PullNext claims the next eligible conversation for an agent. queueID may
// be empty to scan every queue. It returns nil with no error when nothing is
// eligible. The final claim is an atomic conditional update, so concurrent
// pulls against the same conversation yield exactly one winner; a losing
// agent silently advances to the next candidate.
func (s *PullService) PullNext(ctx context.Context, agentID, queueID string) (*models.Conversation, error) {
	agent, err := s.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.store.ListQueued(queueID)
	if err != nil {
		return nil, err
	}
	slog.Debug("PullService.PullNext scanning candidates", "agent", agentID, "queue", queueID, "count", len(candidates))

	queues := make(map[string]*models.Queue)
	now := s.now()
	for i := range candidates {
		cand := &candidates[i]
		q, ok := queues[cand.QueueID]
		if !ok {
			q, err = s.store.GetQueue(cand.QueueID)
			if err != nil {
				slog.Warn("PullService.PullNext candidate references unknown queue, skipping", "conversation", cand.ID, "queue", cand.QueueID)
				continue
			}
			queues[cand.QueueID] = q
		}
		if !s.eligible(agent, q, now) {
			continue
		}

		claimed, err := s.store.ClaimConversation(cand.ID, agentID, now)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Another agent won the race; move on to the next candidate.
			slog.Debug("PullService.PullNext lost claim race", "agent", agentID, "conversation", cand.ID)
			continue
		}
		if err := s.store.AdjustAgentActive(agentID, 1); err != nil {
			slog.Error("PullService.PullNext failed to adjust agent active count", "error", err, "agent", agentID)
		}
		conv, err := s.store.GetConversation(cand.ID)
		if err != nil {
			return nil, err
		}
		slog.Info("PullService.PullNext claimed conversation", "agent", agentID, "conversation", conv.ID, "queue", conv.QueueID, "priority", conv.Priority)
		return conv, nil
	}
	slog.Debug("PullService.PullNext no eligible conversation", "agent", agentID, "queue", queueID)
	return nil, nil
}

// eligible applies the AND-cascade of the candidate queue's policy:
// allow-list membership, skill superset, business hours, and the per-agent
// concurrent conversation cap.
func (s *PullService) eligible(agent *models.Agent, q *models.Queue, now time.Time) bool {
	if !q.AllowsAgent(agent.ID) {
		return false
	}
	if !agent.HasSkills(q.RequiredSkills) {
		return false
	}
	if q.Hours != nil && !q.Hours.Contains(now) {
		return false
	}
	if q.MaxPerAgent > 0 && agent.ActiveConversations >= q.MaxPerAgent {
		return false
	}
	return true
}
