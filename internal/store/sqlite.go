// Package store provides storage backends for RelayDesk.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/relaydesk/relaydesk/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevStatus string
	err = tx.QueryRow(`SELECT status FROM conversations WHERE id = ?`, c.ID).Scan(&prevStatus)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("SQLiteStore SaveConversation status lookup failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to look up conversation status: %w", err)
	}
	if err == nil && !models.CanTransition(models.ConversationStatus(prevStatus), c.Status) {
		slog.Error("SQLiteStore SaveConversation rejected transition", "id", c.ID, "from", prevStatus, "to", c.Status)
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
	_, err = tx.Exec(`INSERT OR REPLACE INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "id", c.ID, "status", c.Status)
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListQueued(queueID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE status = ?`
	args := []interface{}{string(models.StatusQueued)}
	if queueID != "" {
		query += ` AND queue_id = ?`
		args = append(args, queueID)
	}
	query += ` ORDER BY priority DESC, queued_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListQueued query failed", "error", err, "queue_id", queueID)
		return nil, fmt.Errorf("failed to list queued conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore ListQueued scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan queued conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queued conversations: %w", err)
	}
	return out, nil
}

// ClaimConversation performs the atomic conditional claim: the update only
// lands while the conversation is still queued, so two racing agents cannot
// both win it.
func (s *SQLiteStore) ClaimConversation(id, agentID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE conversations
		SET status = ?, assigned_agent_id = ?, assigned_at = ?, queued_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusAgentActive), agentID, at.UTC(), time.Now().UTC(), id, string(models.StatusQueued))
	if err != nil {
		slog.Error("SQLiteStore ClaimConversation failed", "error", err, "id", id, "agent", agentID)
		return false, fmt.Errorf("failed to claim conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for %s: %w", id, err)
	}
	claimed := n == 1
	slog.Debug("SQLiteStore ClaimConversation", "id", id, "agent", agentID, "claimed", claimed)
	return claimed, nil
}

func (s *SQLiteStore) CountQueued(queueID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE status = ? AND queue_id = ?`,
		string(models.StatusQueued), queueID).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore CountQueued failed", "error", err, "queue_id", queueID)
		return 0, fmt.Errorf("failed to count queued conversations for %s: %w", queueID, err)
	}
	return n, nil
}

func (s *SQLiteStore) ListDueWakes(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM conversations
		WHERE status = ? AND bot_active = 1 AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at ASC`, string(models.StatusBotActive), now.UTC())
	if err != nil {
		slog.Error("SQLiteStore ListDueWakes query failed", "error", err)
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

func (s *SQLiteStore) SaveQueue(q models.Queue) error {
	def, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s: %w", q.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO queues (id, department_id, definition) VALUES (?, ?, ?)`,
		q.ID, q.DepartmentID, string(def))
	if err != nil {
		slog.Error("SQLiteStore SaveQueue failed", "error", err, "id", q.ID)
		return fmt.Errorf("failed to save queue %s: %w", q.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetQueue(id string) (*models.Queue, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition FROM queues WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetQueue failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get queue %s: %w", id, err)
	}
	var q models.Queue
	if err := json.Unmarshal([]byte(def), &q); err != nil {
		return nil, fmt.Errorf("failed to decode queue %s: %w", id, err)
	}
	return &q, nil
}

func (s *SQLiteStore) ListDepartmentQueues(departmentID string) ([]models.Queue, error) {
	rows, err := s.db.Query(`SELECT definition FROM queues WHERE department_id = ?`, departmentID)
	if err != nil {
		slog.Error("SQLiteStore ListDepartmentQueues query failed", "error", err, "department", departmentID)
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

func (s *SQLiteStore) SaveAgent(a models.Agent) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO agents (id, name, skills, online, active_conversations)
		VALUES (?, ?, ?, ?, ?)`, a.ID, a.Name, encodeSkills(a.Skills), a.Online, a.ActiveConversations)
	if err != nil {
		slog.Error("SQLiteStore SaveAgent failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to save agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(id string) (*models.Agent, error) {
	var a models.Agent
	var skills string
	err := s.db.QueryRow(`SELECT id, name, skills, online, active_conversations FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &skills, &a.Online, &a.ActiveConversations)
	if err == sql.ErrNoRows {
		return nil, models.ErrAgentNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetAgent failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	a.Skills = decodeSkills(skills)
	return &a, nil
}

func (s *SQLiteStore) AdjustAgentActive(id string, delta int) error {
	res, err := s.db.Exec(`UPDATE agents
		SET active_conversations = MAX(0, active_conversations + ?) WHERE id = ?`, delta, id)
	if err != nil {
		slog.Error("SQLiteStore AdjustAgentActive failed", "error", err, "id", id)
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

func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	def, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", f.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO flows (id, version, definition) VALUES (?, ?, ?)`,
		f.ID, f.Version, string(def))
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	var def string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	var f models.Flow
	if err := json.Unmarshal([]byte(def), &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &f, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
