// Package store provides storage backends for RelayDesk.
//
// It includes an in-memory store for tests and development plus SQLite and
// PostgreSQL backends for persistent conversation, queue, agent, and flow
// state. All backends enforce the conversation status transition allow-list
// at the write boundary.
package store

import (
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
)

// Store is the persistence contract shared by the flow engine, the queue
// dispatcher, and the agent pull service.
type Store interface {
	// SaveConversation inserts or updates a conversation. A status change
	// that is not on the transition allow-list is rejected with
	// models.ErrIllegalTransition.
	SaveConversation(c models.Conversation) error

	// GetConversation retrieves a conversation by id. Missing conversations
	// return models.ErrConversationNotFound.
	GetConversation(id string) (*models.Conversation, error)

	// ListQueued returns queued conversations ordered by priority descending
	// then queued_at ascending. An empty queueID spans all queues.
	ListQueued(queueID string) ([]models.Conversation, error)

	// ClaimConversation atomically assigns a queued conversation to an agent.
	// The write is conditional on the conversation still being queued; a lost
	// race returns claimed=false with no error.
	ClaimConversation(id, agentID string, at time.Time) (bool, error)

	// CountQueued returns the live queued count of a queue.
	CountQueued(queueID string) (int, error)

	// ListDueWakes returns ids of bot-active conversations whose delay wake
	// time has passed.
	ListDueWakes(now time.Time) ([]string, error)

	// SaveQueue inserts or updates a queue definition.
	SaveQueue(q models.Queue) error

	// GetQueue retrieves a queue by id. Missing queues return models.ErrQueueNotFound.
	GetQueue(id string) (*models.Queue, error)

	// ListDepartmentQueues returns the queues of a department.
	ListDepartmentQueues(departmentID string) ([]models.Queue, error)

	// SaveAgent inserts or updates an agent.
	SaveAgent(a models.Agent) error

	// GetAgent retrieves an agent by id. Missing agents return models.ErrAgentNotFound.
	GetAgent(id string) (*models.Agent, error)

	// AdjustAgentActive atomically adds delta to an agent's active
	// conversation count, clamping at zero.
	AdjustAgentActive(id string, delta int) error

	// SaveFlow inserts or updates a flow definition.
	SaveFlow(f models.Flow) error

	// GetFlow retrieves a flow by id. Missing flows return models.ErrFlowNotFound.
	GetFlow(id string) (*models.Flow, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// guardTransition validates a status change against the allow-list.
// Inserts (no previous state) are always allowed.
func guardTransition(prev *models.Conversation, next models.Conversation) error {
	if prev == nil {
		return nil
	}
	if !models.CanTransition(prev.Status, next.Status) {
		return models.ErrIllegalTransition
	}
	return nil
}
