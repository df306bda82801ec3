// Package queue implements the handoff side of RelayDesk: assigning
// conversations to capacity-bounded queues with single-hop overflow, and the
// agent-initiated pull that claims the next eligible conversation.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Dispatcher resolves handoff targets and persists queued state.
type Dispatcher struct {
	store store.Store
	now   func() time.Time
}

// NewDispatcher creates a queue dispatcher over the given store.
func NewDispatcher(st store.Store) *Dispatcher {
	return &Dispatcher{store: st, now: time.Now}
}

// Dispatch routes a flow handoff request to the matching assignment variant.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID string, req *flow.HandoffRequest) (*models.Conversation, error) {
	switch {
	case req.AgentID != "":
		return d.AssignToAgent(ctx, conversationID, req.AgentID)
	case req.DepartmentID != "":
		return d.AssignToDepartment(ctx, conversationID, req.DepartmentID, req.Tier)
	case req.QueueID != "":
		return d.AssignToQueue(ctx, conversationID, req.QueueID, req.Tier)
	default:
		return nil, models.NewConfigurationError("handoff request names no target")
	}
}

// AssignToQueue places a conversation into a queue, applying at most one
// overflow redirection. When the target is full and its overflow target is
// also full (or absent), the conversation stays in the original queue:
// capacity is advisory, never a hard drop.
func (d *Dispatcher) AssignToQueue(ctx context.Context, conversationID, queueID string, tier models.PriorityTier) (*models.Conversation, error) {
	conv, err := d.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	target, err := d.store.GetQueue(queueID)
	if err != nil {
		return nil, models.NewConfigurationError("handoff to unknown queue %s", queueID)
	}
	priority, err := models.MapPriorityTier(tier)
	if err != nil {
		return nil, models.NewConfigurationError("invalid priority tier %q", tier)
	}

	now := d.now().UTC()
	final := target
	var overflow *models.OverflowEntry

	// Overflow check: evaluated once per handoff call, single hop only.
	if target.Capacity > 0 {
		queued, err := d.store.CountQueued(target.ID)
		if err != nil {
			return nil, err
		}
		if queued >= target.Capacity && target.OverflowQueueID != "" {
			alt, err := d.store.GetQueue(target.OverflowQueueID)
			if err != nil {
				return nil, models.NewConfigurationError("queue %s overflows to unknown queue %s", target.ID, target.OverflowQueueID)
			}
			altQueued, err := d.store.CountQueued(alt.ID)
			if err != nil {
				return nil, err
			}
			if alt.Capacity <= 0 || altQueued < alt.Capacity {
				slog.Info("Dispatcher.AssignToQueue overflow redirect", "conversation", conversationID, "from", target.ID, "to", alt.ID)
				final = alt
				overflow = &models.OverflowEntry{FromQueueID: target.ID, ToQueueID: alt.ID, At: now}
			} else {
				slog.Warn("Dispatcher.AssignToQueue overflow target also full, keeping original queue", "conversation", conversationID, "queue", target.ID, "overflow", alt.ID)
			}
		}
	}

	conv.Status = models.StatusQueued
	conv.QueueID = final.ID
	conv.Priority = priority
	conv.QueuedAt = &now
	conv.BotActive = false
	conv.AssignedAgentID = ""
	conv.AssignedAt = nil
	if overflow != nil {
		// Overflow history is append-only audit data.
		conv.OverflowHistory = append(conv.OverflowHistory, *overflow)
	}
	if err := d.store.SaveConversation(*conv); err != nil {
		return nil, err
	}
	slog.Info("Dispatcher.AssignToQueue queued conversation", "conversation", conv.ID, "queue", final.ID, "priority", priority)
	return conv, nil
}

// AssignToDepartment resolves the department's highest-priority active queue
// and assigns through it. A department with no active queue is a
// configuration error, never a silent no-op.
func (d *Dispatcher) AssignToDepartment(ctx context.Context, conversationID, departmentID string, tier models.PriorityTier) (*models.Conversation, error) {
	queues, err := d.store.ListDepartmentQueues(departmentID)
	if err != nil {
		return nil, err
	}
	var best *models.Queue
	for i := range queues {
		q := &queues[i]
		if !q.Active {
			continue
		}
		if best == nil || q.Priority > best.Priority {
			best = q
		}
	}
	if best == nil {
		return nil, models.NewConfigurationError("department %s has no active queue", departmentID)
	}
	slog.Debug("Dispatcher.AssignToDepartment resolved queue", "department", departmentID, "queue", best.ID)
	return d.AssignToQueue(ctx, conversationID, best.ID, tier)
}

// AssignToAgent bypasses queueing entirely and hands the conversation
// directly to one agent.
func (d *Dispatcher) AssignToAgent(ctx context.Context, conversationID, agentID string) (*models.Conversation, error) {
	conv, err := d.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := d.store.GetAgent(agentID); err != nil {
		return nil, models.NewConfigurationError("handoff to unknown agent %s", agentID)
	}

	now := d.now().UTC()
	conv.Status = models.StatusAgentActive
	conv.AssignedAgentID = agentID
	conv.AssignedAt = &now
	conv.QueuedAt = nil
	conv.QueueID = ""
	conv.BotActive = false
	if err := d.store.SaveConversation(*conv); err != nil {
		return nil, err
	}
	if err := d.store.AdjustAgentActive(agentID, 1); err != nil {
		slog.Error("Dispatcher.AssignToAgent failed to adjust agent active count", "error", err, "agent", agentID)
	}
	slog.Info("Dispatcher.AssignToAgent assigned conversation", "conversation", conv.ID, "agent", agentID)
	return conv, nil
}
