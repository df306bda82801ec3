package queue

import (
	"context"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

func newDispatcher(st store.Store) *Dispatcher {
	d := NewDispatcher(st)
	d.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return d
}

func saveBotConversation(t *testing.T, st store.Store) models.Conversation {
	t.Helper()
	conv := models.NewConversation("contact", "+15551234567", "flow-1")
	if err := st.SaveConversation(conv); err != nil {
		t.Fatalf("failed to save conversation: %v", err)
	}
	return conv
}

func fillQueue(t *testing.T, st store.Store, queueID string, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		c := models.NewConversation("filler", "+15550000000", "flow-1")
		c.Status = models.StatusQueued
		c.BotActive = false
		c.QueueID = queueID
		c.Priority = models.PriorityNormal
		c.QueuedAt = &now
		if err := st.SaveConversation(c); err != nil {
			t.Fatalf("failed to fill queue: %v", err)
		}
	}
}

func TestAssignToQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "support", Active: true})
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToQueue(context.Background(), conv.ID, "support", models.TierHigh)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Status != models.StatusQueued || got.QueueID != "support" {
		t.Errorf("expected queued in support, got status=%s queue=%s", got.Status, got.QueueID)
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("expected high priority, got %d", got.Priority)
	}
	if got.QueuedAt == nil || got.BotActive {
		t.Errorf("expected queued_at set and bot inactive, got queued_at=%v bot=%v", got.QueuedAt, got.BotActive)
	}
	if len(got.OverflowHistory) != 0 {
		t.Errorf("expected no overflow entry without redirection, got %v", got.OverflowHistory)
	}
}

func TestAssignToQueueEmptyTierDefaultsToNormal(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "support", Active: true})
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToQueue(context.Background(), conv.ID, "support", "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Priority != models.PriorityNormal {
		t.Errorf("expected normal priority for empty tier, got %d", got.Priority)
	}
}

func TestAssignToQueueUnknownQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	_, err := d.AssignToQueue(context.Background(), conv.ID, "missing", models.TierNormal)
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestAssignToQueueOverflowRedirect(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "primary", Active: true, Capacity: 2, OverflowQueueID: "backup"})
	st.SaveQueue(models.Queue{ID: "backup", Active: true, Capacity: 5})
	fillQueue(t, st, "primary", 2)
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToQueue(context.Background(), conv.ID, "primary", models.TierNormal)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.QueueID != "backup" {
		t.Fatalf("expected overflow redirect to backup, got %s", got.QueueID)
	}
	if len(got.OverflowHistory) != 1 {
		t.Fatalf("expected one overflow audit entry, got %d", len(got.OverflowHistory))
	}
	entry := got.OverflowHistory[0]
	if entry.FromQueueID != "primary" || entry.ToQueueID != "backup" {
		t.Errorf("unexpected overflow entry %+v", entry)
	}
}

func TestAssignToQueueOverflowTargetAlsoFull(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "primary", Active: true, Capacity: 1, OverflowQueueID: "backup"})
	st.SaveQueue(models.Queue{ID: "backup", Active: true, Capacity: 1})
	fillQueue(t, st, "primary", 1)
	fillQueue(t, st, "backup", 1)
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	// Capacity is advisory: both queues full means staying in the original,
	// with no overflow audit entry.
	got, err := d.AssignToQueue(context.Background(), conv.ID, "primary", models.TierNormal)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.QueueID != "primary" {
		t.Errorf("expected conversation kept in primary, got %s", got.QueueID)
	}
	if len(got.OverflowHistory) != 0 {
		t.Errorf("expected no overflow entry when no redirect happened, got %v", got.OverflowHistory)
	}
}

func TestAssignToQueueSingleHopOnly(t *testing.T) {
	st := store.NewInMemoryStore()
	// backup overflows further to deep, but overflow never chains.
	st.SaveQueue(models.Queue{ID: "primary", Active: true, Capacity: 1, OverflowQueueID: "backup"})
	st.SaveQueue(models.Queue{ID: "backup", Active: true, Capacity: 1, OverflowQueueID: "deep"})
	st.SaveQueue(models.Queue{ID: "deep", Active: true})
	fillQueue(t, st, "primary", 1)
	fillQueue(t, st, "backup", 1)
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToQueue(context.Background(), conv.ID, "primary", models.TierNormal)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.QueueID != "primary" {
		t.Errorf("expected single-hop overflow to keep conversation in primary, got %s", got.QueueID)
	}
}

func TestAssignToDepartmentPicksHighestPriorityActiveQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "cs-low", DepartmentID: "cs", Active: true, Priority: 1})
	st.SaveQueue(models.Queue{ID: "cs-high", DepartmentID: "cs", Active: true, Priority: 9})
	st.SaveQueue(models.Queue{ID: "cs-inactive", DepartmentID: "cs", Active: false, Priority: 100})
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToDepartment(context.Background(), conv.ID, "cs", models.TierNormal)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.QueueID != "cs-high" {
		t.Errorf("expected highest-priority active queue cs-high, got %s", got.QueueID)
	}
}

func TestAssignToDepartmentNoActiveQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "cs-inactive", DepartmentID: "cs", Active: false})
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	_, err := d.AssignToDepartment(context.Background(), conv.ID, "cs", models.TierNormal)
	if !models.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for department without active queue, got %v", err)
	}
}

func TestAssignToAgentBypassesQueue(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveAgent(models.Agent{ID: "a1", Online: true})
	d := newDispatcher(st)
	conv := saveBotConversation(t, st)

	got, err := d.AssignToAgent(context.Background(), conv.ID, "a1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Status != models.StatusAgentActive || got.AssignedAgentID != "a1" {
		t.Errorf("expected direct assignment, got status=%s agent=%s", got.Status, got.AssignedAgentID)
	}
	if got.QueueID != "" || got.QueuedAt != nil {
		t.Errorf("expected no queue residue, got queue=%s queued_at=%v", got.QueueID, got.QueuedAt)
	}
	agent, _ := st.GetAgent("a1")
	if agent.ActiveConversations != 1 {
		t.Errorf("expected agent active count incremented, got %d", agent.ActiveConversations)
	}
}

func TestDispatchRouting(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SaveQueue(models.Queue{ID: "support", Active: true})
	st.SaveAgent(models.Agent{ID: "a1", Online: true})
	d := newDispatcher(st)

	conv := saveBotConversation(t, st)
	got, err := d.Dispatch(context.Background(), conv.ID, &flow.HandoffRequest{AgentID: "a1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.AssignedAgentID != "a1" {
		t.Errorf("expected agent routing, got %+v", got)
	}

	conv2 := saveBotConversation(t, st)
	got, err = d.Dispatch(context.Background(), conv2.ID, &flow.HandoffRequest{QueueID: "support"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.QueueID != "support" {
		t.Errorf("expected queue routing, got %+v", got)
	}

	conv3 := saveBotConversation(t, st)
	if _, err := d.Dispatch(context.Background(), conv3.ID, &flow.HandoffRequest{}); !models.IsConfigurationError(err) {
		t.Errorf("expected configuration error for empty handoff, got %v", err)
	}
}
