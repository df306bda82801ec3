// Package store provides storage backends for RelayDesk.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/relaydesk/relaydesk/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevStatus string
	err = tx.QueryRow(`SELECT status FROM conversations WHERE id = $1 FOR UPDATE`, c.ID).Scan(&prevStatus)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("PostgresStore SaveConversation status lookup failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to look up conversation status: %w", err)
	}
	if err == nil && !models.CanTransition(models.ConversationStatus(prevStatus), c.Status) {
		slog.Error("PostgresStore SaveConversation rejected transition", "id", c.ID, "from", prevStatus, "to", c.Status)
		return models.ErrIllegalTransition
	}

	c.UpdatedAt = time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	args, err := conversationArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			contact_ref = EXCLUDED.contact_ref,
			channel_ref = EXCLUDED.channel_ref,
			flow_id = EXCLUDED.flow_id,
			current_node_id = EXCLUDED.current_node_id,
			status = EXCLUDED.status,
			context = EXCLUDED.context,
			awaiting_var = EXCLUDED.awaiting_var,
			wake_at = EXCLUDED.wake_at,
			queue_id = EXCLUDED.queue_id,
			priority = EXCLUDED.priority,
			queued_at = EXCLUDED.queued_at,
			assigned_agent_id = EXCLUDED.assigned_agent_id,
			assigned_at = EXCLUDED.assigned_at,
			bot_active = EXCLUDED.bot_active,
			halted = EXCLUDED.halted,
			halt_reason = EXCLUDED.halt_reason,
			overflow_history = EXCLUDED.overflow_history,
			updated_at = EXCLUDED.updated_at`, args...)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "id", c.ID, "status", c.Status)
	return nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListQueued(queueID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE status = $1`
	args := []interface{}{string(models.StatusQueued)}
	if queueID != "" {
		query += ` AND queue_id = $2`
		args = append(args, queueID)
	}
	query += ` ORDER BY priority DESC, queued_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListQueued query failed", "error", err, "queue_id", queueID)
		return nil, fmt.Errorf("failed to list queued conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("PostgresStore ListQueued scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan queued conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimConversation performs the atomic conditional claim; see the Store
// interface documentation.
func (s *PostgresStore) ClaimConversation(id, agentID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE conversations
		SET status = $1, assigned_agent_id = $2, assigned_at = $3, queued_at = NULL, updated_at = $4
		WHERE id = $5 AND status = $6`,
		string(models.StatusAgentActive), agentID, at.UTC(), time.Now().UTC(), id, string(models.StatusQueued))
	if err != nil {
		slog.Error("PostgresStore ClaimConversation failed", "error", err, "id", id, "agent", agentID)
		return false, fmt.Errorf("failed to claim conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for %s: %w", id, err)
	}
	claimed := n == 1
	slog.Debug("PostgresStore ClaimConversation", "id", id, "agent", agentID, "claimed", claimed)
	return claimed, nil
}

func (s *PostgresStore) CountQueued(queueID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE status = $1 AND queue_id = $2`,
		string(models.StatusQueued), queueID).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore CountQueued failed", "error", err, "queue_id", queueID)
		return 0, fmt.Errorf("failed to count queued conversations for %s: %w", queueID, err)
	}
	return n, nil
}

func (s *PostgresStore) ListDueWakes(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations
		WHERE status = $1 AND bot_active = TRUE AND wake_at IS NOT NULL AND wake_at <= $2
		ORDER BY wake_at ASC`, string(models.StatusBotActive), now.UTC())
	if err != nil {
		slog.Error("PostgresStore ListDueWakes query failed", "error", err)
		return nil, fmt.Errorf("failed to list due wakes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due wake: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SaveQueue(q models.Queue) error {
	def, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s: %w", q.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO queues (id, department_id, definition) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET department_id = EXCLUDED.department_id, definition = EXCLUDED.definition`,
		q.ID, q.DepartmentID, string(def))
	if err != nil {
		slog.Error("PostgresStore SaveQueue failed", "error", err, "id", q.ID)
		return fmt.Errorf("failed to save queue %s: %w", q.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetQueue(id string) (*models.Queue, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition FROM queues WHERE id = $1`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetQueue failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get queue %s: %w", id, err)
	}
	var q models.Queue
	if err := json.Unmarshal([]byte(def), &q); err != nil {
		return nil, fmt.Errorf("failed to decode queue %s: %w", id, err)
	}
	return &q, nil
}

func (s *PostgresStore) ListDepartmentQueues(departmentID string) ([]models.Queue, error) {
	rows, err := s.db.Query(`SELECT definition FROM queues WHERE department_id = $1`, departmentID)
	if err != nil {
		slog.Error("PostgresStore ListDepartmentQueues query failed", "error", err, "department", departmentID)
		return nil, fmt.Errorf("failed to list queues for department %s: %w", departmentID, err)
	}
	defer rows.Close()

	var out []models.Queue
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		var q models.Queue
		if err := json.Unmarshal([]byte(def), &q); err != nil {
			return nil, fmt.Errorf("failed to decode queue: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveAgent(a models.Agent) error {
	_, err := s.db.Exec(`INSERT INTO agents (id, name, skills, online, active_conversations)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, skills = EXCLUDED.skills,
			online = EXCLUDED.online, active_conversations = EXCLUDED.active_conversations`,
		a.ID, a.Name, encodeSkills(a.Skills), a.Online, a.ActiveConversations)
	if err != nil {
		slog.Error("PostgresStore SaveAgent failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(id string) (*models.Agent, error) {
	var a models.Agent
	var skills string
	err := s.db.QueryRow(`SELECT id, name, skills, online, active_conversations FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &skills, &a.Online, &a.ActiveConversations)
	if err == sql.ErrNoRows {
		return nil, models.ErrAgentNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetAgent failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	a.Skills = decodeSkills(skills)
	return &a, nil
}

func (s *PostgresStore) AdjustAgentActive(id string, delta int) error {
	res, err := s.db.Exec(`UPDATE agents
		SET active_conversations = GREATEST(0, active_conversations + $1) WHERE id = $2`, delta, id)
	if err != nil {
		slog.Error("PostgresStore AdjustAgentActive failed", "error", err, "id", id)
		return fmt.Errorf("failed to adjust active count for agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveFlow(f models.Flow) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", f.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, version, definition) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, definition = EXCLUDED.definition`,
		f.ID, f.Version, string(def))
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = $1`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	var f models.Flow
	if err := json.Unmarshal([]byte(def), &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &f, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
