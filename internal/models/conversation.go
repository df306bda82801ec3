package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus identifies which party currently owns a conversation.
// Exactly one status holds at any time.
type ConversationStatus string

const (
	// StatusBotActive means the flow engine is driving the conversation.
	StatusBotActive ConversationStatus = "bot_active"
	// StatusQueued means the conversation is waiting for a human agent.
	StatusQueued ConversationStatus = "queued"
	// StatusAgentActive means a human agent owns the conversation.
	StatusAgentActive ConversationStatus = "agent_active"
	// StatusClosed means the conversation has ended.
	StatusClosed ConversationStatus = "closed"
)

// legalTransitions is the allow-list of status transitions. Any status may
// transition to closed; everything else must follow the handoff lifecycle.
var legalTransitions = map[ConversationStatus]map[ConversationStatus]bool{
	StatusBotActive: {
		StatusQueued:      true,
		StatusAgentActive: true,
		StatusClosed:      true,
	},
	StatusQueued: {
		StatusAgentActive: true,
		StatusClosed:      true,
	},
	StatusAgentActive: {
		StatusClosed: true,
	},
	StatusClosed: {},
}

// CanTransition reports whether moving from one status to another is legal.
// A no-op transition (same status) is always allowed.
func CanTransition(from, to ConversationStatus) bool {
	if from == to {
		return true
	}
	return legalTransitions[from][to]
}

// Priority is the numeric queue priority of a conversation. Higher values
// are pulled first.
type Priority int

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 50
	PriorityHigh   Priority = 80
	PriorityUrgent Priority = 100
)

// PriorityTier is the symbolic tier named in handoff node configurations.
type PriorityTier string

const (
	TierLow    PriorityTier = "low"
	TierNormal PriorityTier = "normal"
	TierHigh   PriorityTier = "high"
	TierUrgent PriorityTier = "urgent"
)

// MapPriorityTier converts a symbolic tier to its numeric priority.
// An empty tier maps to normal.
func MapPriorityTier(tier PriorityTier) (Priority, error) {
	switch tier {
	case TierLow:
		return PriorityLow, nil
	case TierNormal, "":
		return PriorityNormal, nil
	case TierHigh:
		return PriorityHigh, nil
	case TierUrgent:
		return PriorityUrgent, nil
	default:
		return 0, ErrInvalidPriorityTier
	}
}

// OverflowEntry records one overflow redirection during queue assignment.
// Entries are append-only audit data and never overwritten.
type OverflowEntry struct {
	FromQueueID string    `json:"from_queue_id"`
	ToQueueID   string    `json:"to_queue_id"`
	At          time.Time `json:"at"`
}

// Conversation is the per-contact unit of work moving between the flow
// engine, the queues, and human agents.
type Conversation struct {
	ID              string             `json:"id"`
	ContactRef      string             `json:"contact_ref"`
	ChannelRef      string             `json:"channel_ref"` // outbound send address for the contact
	FlowID          string             `json:"flow_id,omitempty"`
	CurrentNodeID   string             `json:"current_node_id,omitempty"`
	Status          ConversationStatus `json:"status"`
	Context         map[string]string  `json:"context,omitempty"` // variable context for interpolation and conditions
	AwaitingVar     string             `json:"awaiting_var,omitempty"`
	WakeAt          *time.Time         `json:"wake_at,omitempty"`
	QueueID         string             `json:"queue_id,omitempty"`
	Priority        Priority           `json:"priority,omitempty"`
	QueuedAt        *time.Time         `json:"queued_at,omitempty"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	AssignedAt      *time.Time         `json:"assigned_at,omitempty"`
	BotActive       bool               `json:"bot_active"`
	Halted          bool               `json:"halted,omitempty"`
	HaltReason      string             `json:"halt_reason,omitempty"`
	OverflowHistory []OverflowEntry    `json:"overflow_history,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// NewConversation creates a bot-active conversation at the start of a flow.
func NewConversation(contactRef, channelRef, flowID string) Conversation {
	now := time.Now().UTC()
	return Conversation{
		ID:         uuid.NewString(),
		ContactRef: contactRef,
		ChannelRef: channelRef,
		FlowID:     flowID,
		Status:     StatusBotActive,
		Context:    make(map[string]string),
		BotActive:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetVariable writes one variable into the conversation context,
// initializing the map when needed.
func (c *Conversation) SetVariable(key, value string) {
	if c.Context == nil {
		c.Context = make(map[string]string)
	}
	c.Context[key] = value
}

// InboundEvent is what the ingestion collaborator delivers for each incoming
// message. The conversation has already been resolved by the caller.
type InboundEvent struct {
	ConversationRef string `json:"conversation_ref"`
	ContactRef      string `json:"contact_ref"`
	EventType       string `json:"event_type"`
	Payload         string `json:"payload"`
}
