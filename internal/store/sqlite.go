// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			supervised INTEGER NOT NULL DEFAULT 1,
			timeout_mode TEXT NOT NULL DEFAULT 'block',
			priority TEXT NOT NULL DEFAULT 'normal',
			workdir TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,

			CHECK (status IN ('idle', 'running', 'paused', 'completed', 'failed', 'terminated'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			parent_task_id TEXT,
			priority TEXT NOT NULL DEFAULT 'normal',
			priority_score INTEGER NOT NULL DEFAULT 50,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			from_agent TEXT,
			to_agent TEXT NOT NULL,
			task_id TEXT,
			message_type TEXT NOT NULL DEFAULT 'info',
			content TEXT NOT NULL,
			metadata TEXT,
			read INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_messages_to ON agent_messages(to_agent, read);

		CREATE TABLE IF NOT EXISTS shared_context (
			task_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			set_by_agent TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, key)
		);

		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_details TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id),

			CHECK (status IN ('pending', 'approved', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

		CREATE TABLE IF NOT EXISTS conversations (
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(agent_id);

		CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS templates (
			name TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			created_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateAgent persists a new agent row. Zero-value fields get defaults:
// status idle, priority normal, timeout mode block, name "agent-<id>".
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}
	if agent.Status == "" {
		agent.Status = AgentStatusIdle
	}
	if agent.Priority == "" {
		agent.Priority = PriorityNormal
	}
	if agent.TimeoutMode == "" {
		agent.TimeoutMode = "block"
	}
	if agent.Name == "" {
		agent.Name = "agent-" + agent.ID
	}

	query := `
		INSERT INTO agents (id, name, task, model, status, supervised, timeout_mode, priority, workdir, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Task,
		agent.Model,
		agent.Status,
		boolToInt(agent.Supervised),
		agent.TimeoutMode,
		agent.Priority,
		nullString(agent.Workdir),
		nullString(agent.Error),
		agent.CreatedAt.Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

const agentColumns = `id, name, task, model, status, supervised, timeout_mode, priority, workdir, error, created_at, updated_at`

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ResolveAgentByName looks up an agent by display name, restricted to
// non-terminal statuses. Terminal agents are reachable by ID only, so stale
// names never receive live coordination traffic.
func (s *SQLiteStore) ResolveAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE name = ? AND status IN ('idle', 'running', 'paused')`, name)
	return scanAgent(row)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var supervised int
	var workdir, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Task,
		&agent.Model,
		&agent.Status,
		&supervised,
		&agent.TimeoutMode,
		&agent.Priority,
		&workdir,
		&errMsg,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Supervised = supervised != 0
	agent.Workdir = workdir.String
	agent.Error = errMsg.String
	agent.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	agent.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &agent, nil
}

// UpdateAgent applies a partial update to an agent row.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, update AgentUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*update.Error))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent", "id", id)
	return nil
}

// ListAgents returns agents ordered by creation time, optionally filtered by status.
func (s *SQLiteStore) ListAgents(ctx context.Context, statusFilter string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	return agents, nil
}

// CreateTask persists a new task row. PriorityScore is derived from the
// priority label unless already set.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	if task.PriorityScore == 0 {
		task.PriorityScore = PriorityScore(task.Priority)
	}
	if task.Status == "" {
		task.Status = "pending"
	}

	query := `
		INSERT INTO tasks (id, agent_id, parent_task_id, priority, priority_score, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		nullString(task.ParentTaskID),
		task.Priority,
		task.PriorityScore,
		task.Status,
		task.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "agent_id", task.AgentID, "score", task.PriorityScore)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	var parent sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, parent_task_id, priority, priority_score, status, created_at
		FROM tasks WHERE id = ?
	`, id).Scan(
		&task.ID,
		&task.AgentID,
		&parent,
		&task.Priority,
		&task.PriorityScore,
		&task.Status,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	task.ParentTaskID = parent.String
	task.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &task, nil
}

// UpdateTaskStatus sets a task's status.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TaskAgentIDs returns the distinct agent IDs owning the given task or any
// of its direct subtasks. This is the broadcast audience for the task.
func (s *SQLiteStore) TaskAgentIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM tasks WHERE id = ? OR parent_task_id = ?
	`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning task agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
