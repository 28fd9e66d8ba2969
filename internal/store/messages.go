// ABOUTME: Inter-agent message and shared-context persistence for SQLiteStore
// ABOUTME: Messages are immutable after creation except for the read flag

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SendAgentMessage persists a new inter-agent message. No existence
// validation is performed on the recipient.
func (s *SQLiteStore) SendAgentMessage(ctx context.Context, msg *AgentMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeInfo
	}

	var metadata any
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding message metadata: %w", err)
		}
		metadata = string(data)
	}

	query := `
		INSERT INTO agent_messages (id, from_agent, to_agent, task_id, message_type, content, metadata, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		nullString(msg.FromAgent),
		msg.ToAgent,
		nullString(msg.TaskID),
		msg.Type,
		msg.Content,
		metadata,
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting agent message: %w", err)
	}

	s.logger.Debug("sent agent message", "id", msg.ID, "to", msg.ToAgent, "type", msg.Type)
	return nil
}

// GetAgentMessages returns messages addressed to an agent in send order.
// With unreadOnly, already-read messages are filtered out.
func (s *SQLiteStore) GetAgentMessages(ctx context.Context, agentID string, unreadOnly bool) ([]*AgentMessage, error) {
	query := `
		SELECT id, from_agent, to_agent, task_id, message_type, content, metadata, read, created_at
		FROM agent_messages
		WHERE to_agent = ?
	`
	if unreadOnly {
		query += ` AND read = 0`
	}
	// rowid breaks same-second ties so delivery order matches send order
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent messages: %w", err)
	}
	defer rows.Close()

	var messages []*AgentMessage
	for rows.Next() {
		var msg AgentMessage
		var fromAgent, taskID, metadata sql.NullString
		var read int
		var createdAt string

		if err := rows.Scan(
			&msg.ID,
			&fromAgent,
			&msg.ToAgent,
			&taskID,
			&msg.Type,
			&msg.Content,
			&metadata,
			&read,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning agent message: %w", err)
		}

		msg.FromAgent = fromAgent.String
		msg.TaskID = taskID.String
		msg.Read = read != 0
		msg.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent messages: %w", err)
	}

	return messages, nil
}

// MarkMessageRead flags a message as read. Idempotent; marking an unknown
// or already-read message is not an error.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET read = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	return nil
}

// SetSharedContext upserts a blackboard entry. Last writer wins.
func (s *SQLiteStore) SetSharedContext(ctx context.Context, taskID, key string, value any, agentID string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding context value: %w", err)
	}

	query := `
		INSERT INTO shared_context (task_id, key, value, set_by_agent, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, key) DO UPDATE SET
			value = excluded.value,
			set_by_agent = excluded.set_by_agent,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		taskID,
		key,
		string(data),
		agentID,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("setting shared context: %w", err)
	}

	s.logger.Debug("set shared context", "task_id", taskID, "key", key, "agent_id", agentID)
	return nil
}

// GetSharedContext returns the full key-value map for a task.
// A task with no entries yields an empty map, not an error.
func (s *SQLiteStore) GetSharedContext(ctx context.Context, taskID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM shared_context WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying shared context: %w", err)
	}
	defer rows.Close()

	context := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scanning shared context: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decoding context value for %q: %w", key, err)
		}
		context[key] = value
	}

	return context, rows.Err()
}

// AddConversationMessage appends a message to an agent's transcript.
func (s *SQLiteStore) AddConversationMessage(ctx context.Context, agentID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (agent_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, agentID, role, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting conversation message: %w", err)
	}
	return nil
}

// GetConversation returns an agent's transcript in chronological order.
func (s *SQLiteStore) GetConversation(ctx context.Context, agentID string) ([]*ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, role, content, created_at
		FROM conversations
		WHERE agent_id = ?
		ORDER BY created_at, rowid
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	defer rows.Close()

	var entries []*ConversationEntry
	for rows.Next() {
		var entry ConversationEntry
		var createdAt string
		if err := rows.Scan(&entry.AgentID, &entry.Role, &entry.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
