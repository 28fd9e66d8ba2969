// ABOUTME: Approval record persistence for SQLiteStore
// ABOUTME: An approval transitions from pending to approved/rejected exactly once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateApproval persists a new pending approval.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}
	if approval.Status == "" {
		approval.Status = ApprovalStatusPending
	}

	details, err := json.Marshal(approval.ActionDetails)
	if err != nil {
		return fmt.Errorf("encoding action details: %w", err)
	}

	query := `
		INSERT INTO approvals (id, agent_id, action_type, action_details, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		approval.ID,
		approval.AgentID,
		approval.ActionType,
		string(details),
		approval.Status,
		approval.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting approval: %w", err)
	}

	s.logger.Debug("created approval", "id", approval.ID, "agent_id", approval.AgentID, "action", approval.ActionType)
	return nil
}

// GetApproval retrieves an approval by ID.
// Returns ErrNotFound if the approval doesn't exist.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, action_type, action_details, status, created_at
		FROM approvals WHERE id = ?
	`, id)
	return scanApproval(row)
}

// ResolveApproval moves a pending approval to approved or rejected.
// Returns ErrNotFound if the approval doesn't exist or was already resolved,
// which makes the transition single-shot.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ? WHERE id = ? AND status = ?
	`, status, id, ApprovalStatusPending)
	if err != nil {
		return fmt.Errorf("resolving approval: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("resolved approval", "id", id, "status", status)
	return nil
}

// ListPendingApprovals returns all still-pending approvals, oldest first.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action_type, action_details, status, created_at
		FROM approvals
		WHERE status = ?
		ORDER BY created_at, rowid
	`, ApprovalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}

	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (*Approval, error) {
	var approval Approval
	var details string
	var createdAt string

	err := row.Scan(
		&approval.ID,
		&approval.AgentID,
		&approval.ActionType,
		&details,
		&approval.Status,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning approval: %w", err)
	}

	if err := json.Unmarshal([]byte(details), &approval.ActionDetails); err != nil {
		return nil, fmt.Errorf("decoding action details: %w", err)
	}
	approval.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &approval, nil
}
