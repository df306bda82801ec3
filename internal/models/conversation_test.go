package models

import (
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ConversationStatus
		want     bool
	}{
		{StatusBotActive, StatusQueued, true},
		{StatusBotActive, StatusAgentActive, true},
		{StatusBotActive, StatusClosed, true},
		{StatusQueued, StatusAgentActive, true},
		{StatusQueued, StatusClosed, true},
		{StatusAgentActive, StatusClosed, true},
		{StatusQueued, StatusBotActive, false},
		{StatusAgentActive, StatusBotActive, false},
		{StatusAgentActive, StatusQueued, false},
		{StatusClosed, StatusBotActive, false},
		{StatusClosed, StatusQueued, false},
		{StatusClosed, StatusAgentActive, false},
		// No-op transitions are always legal.
		{StatusBotActive, StatusBotActive, true},
		{StatusClosed, StatusClosed, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestMapPriorityTier(t *testing.T) {
	cases := []struct {
		tier PriorityTier
		want Priority
	}{
		{TierLow, PriorityLow},
		{TierNormal, PriorityNormal},
		{TierHigh, PriorityHigh},
		{TierUrgent, PriorityUrgent},
		{"", PriorityNormal},
	}
	for _, c := range cases {
		got, err := MapPriorityTier(c.tier)
		if err != nil {
			t.Fatalf("MapPriorityTier(%q) returned error: %v", c.tier, err)
		}
		if got != c.want {
			t.Errorf("MapPriorityTier(%q) = %d, want %d", c.tier, got, c.want)
		}
	}

	if _, err := MapPriorityTier("critical"); err != ErrInvalidPriorityTier {
		t.Errorf("expected ErrInvalidPriorityTier for unknown tier, got %v", err)
	}
}

func TestNewConversation(t *testing.T) {
	conv := NewConversation("contact-1", "+15551234567", "flow-1")
	if conv.ID == "" {
		t.Error("expected generated conversation id")
	}
	if conv.Status != StatusBotActive {
		t.Errorf("expected status bot_active, got %s", conv.Status)
	}
	if !conv.BotActive {
		t.Error("expected new conversation to be bot active")
	}
	if conv.CurrentNodeID != "" {
		t.Errorf("expected empty current node, got %s", conv.CurrentNodeID)
	}
}

func TestSetVariableInitializesContext(t *testing.T) {
	var conv Conversation
	conv.SetVariable("name", "Ana")
	if conv.Context["name"] != "Ana" {
		t.Errorf("expected variable to be set, got %v", conv.Context)
	}
}
