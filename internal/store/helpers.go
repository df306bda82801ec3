package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// conversationColumns is the column list shared by every conversation query.
const conversationColumns = `id, contact_ref, channel_ref, flow_id, current_node_id, status, context,
	awaiting_var, wake_at, queue_id, priority, queued_at, assigned_agent_id, assigned_at,
	bot_active, halted, halt_reason, overflow_history, created_at, updated_at`

// scanConversation scans one conversation row.
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var contextJSON, overflowJSON string
	var wakeAt, queuedAt, assignedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.ContactRef, &c.ChannelRef, &c.FlowID, &c.CurrentNodeID, &c.Status, &contextJSON,
		&c.AwaitingVar, &wakeAt, &c.QueueID, &c.Priority, &queuedAt, &c.AssignedAgentID, &assignedAt,
		&c.BotActive, &c.Halted, &c.HaltReason, &overflowJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if wakeAt.Valid {
		c.WakeAt = &wakeAt.Time
	}
	if queuedAt.Valid {
		c.QueuedAt = &queuedAt.Time
	}
	if assignedAt.Valid {
		c.AssignedAt = &assignedAt.Time
	}
	if contextJSON != "" {
		c.Context = make(map[string]string)
		if err := json.Unmarshal([]byte(contextJSON), &c.Context); err != nil {
			return c, fmt.Errorf("failed to decode conversation context: %w", err)
		}
	}
	if overflowJSON != "" {
		if err := json.Unmarshal([]byte(overflowJSON), &c.OverflowHistory); err != nil {
			return c, fmt.Errorf("failed to decode overflow history: %w", err)
		}
	}
	return c, nil
}

// conversationArgs flattens a conversation into the column order of
// conversationColumns, serializing the JSON fields.
func conversationArgs(c models.Conversation) ([]interface{}, error) {
	var contextJSON, overflowJSON string
	if len(c.Context) > 0 {
		b, err := json.Marshal(c.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to encode conversation context: %w", err)
		}
		contextJSON = string(b)
	}
	if len(c.OverflowHistory) > 0 {
		b, err := json.Marshal(c.OverflowHistory)
		if err != nil {
			return nil, fmt.Errorf("failed to encode overflow history: %w", err)
		}
		overflowJSON = string(b)
	}
	return []interface{}{
		c.ID, c.ContactRef, c.ChannelRef, c.FlowID, c.CurrentNodeID, string(c.Status), contextJSON,
		c.AwaitingVar, nullTime(c.WakeAt), c.QueueID, int(c.Priority), nullTime(c.QueuedAt),
		c.AssignedAgentID, nullTime(c.AssignedAt), c.BotActive, c.Halted, c.HaltReason, overflowJSON,
		c.CreatedAt, c.UpdatedAt,
	}, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// encodeSkills joins an agent skill set into a comma-separated column value.
func encodeSkills(skills []string) string {
	return strings.Join(skills, ",")
}

// decodeSkills splits a comma-separated skills column value.
func decodeSkills(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
