// ABOUTME: Spawn template persistence for SQLiteStore
// ABOUTME: Templates are named recipes for starting agents with a pre-filled task

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveTemplate inserts or replaces a template by name.
func (s *SQLiteStore) SaveTemplate(ctx context.Context, tmpl *Template) error {
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = time.Now().UTC()
	}
	if tmpl.Priority == "" {
		tmpl.Priority = PriorityNormal
	}

	query := `
		INSERT INTO templates (name, task, priority, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			task = excluded.task,
			priority = excluded.priority
	`

	_, err := s.db.ExecContext(ctx, query,
		tmpl.Name,
		tmpl.Task,
		tmpl.Priority,
		tmpl.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving template: %w", err)
	}

	s.logger.Debug("saved template", "name", tmpl.Name)
	return nil
}

// GetTemplate retrieves a template by name.
// Returns ErrNotFound if no template has that name.
func (s *SQLiteStore) GetTemplate(ctx context.Context, name string) (*Template, error) {
	var tmpl Template
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT name, task, priority, created_at FROM templates WHERE name = ?
	`, name).Scan(&tmpl.Name, &tmpl.Task, &tmpl.Priority, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}

	tmpl.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &tmpl, nil
}

// ListTemplates returns all templates sorted by name.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, task, priority, created_at FROM templates ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		var tmpl Template
		var createdAt string
		if err := rows.Scan(&tmpl.Name, &tmpl.Task, &tmpl.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		tmpl.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		templates = append(templates, &tmpl)
	}

	return templates, rows.Err()
}

// DeleteTemplate removes a template. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("deleted template", "name", name)
	return nil
}
