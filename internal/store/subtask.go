package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/apexorch/apex/internal/apperrors"
)

// CreateSubtask creates a child work item under parentID.
func (s *Store) CreateSubtask(ctx context.Context, parentID, description string) (string, error) {
	if description == "" {
		return "", apperrors.Validation("description", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO subtasks (id, parent_task_id, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, parentID, description, string(StatusPending), now, now,
	)
	if err != nil {
		return "", apperrors.StoreUnavailable("insert subtask", err)
	}
	return id, nil
}

// ListSubtasks returns all subtasks of parentID.
func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]*Subtask, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id, parent_task_id, description, status, created_at, updated_at, completed_at
		FROM subtasks WHERE parent_task_id = ? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, apperrors.StoreUnavailable("list subtasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subtask
	for rows.Next() {
		var st Subtask
		var status, createdAt, updatedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&st.ID, &st.ParentTaskID, &st.Description, &status, &createdAt, &updatedAt, &completedAt); err != nil {
			return nil, apperrors.StoreUnavailable("scan subtask", err)
		}
		st.Status = Status(status)
		st.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, err
		}
		if completedAt.Valid {
			parsed, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				return nil, err
			}
			st.CompletedAt = &parsed
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// CompleteSubtask marks a subtask completed, stamping completedAt.
func (s *Store) CompleteSubtask(ctx context.Context, parentID, subtaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.writer.ExecContext(ctx, `
		UPDATE subtasks SET status = ?, updated_at = ?, completed_at = ?
		WHERE parent_task_id = ? AND id = ?`,
		string(StatusCompleted), now, now, parentID, subtaskID,
	)
	if err != nil {
		return apperrors.StoreUnavailable("complete subtask", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.StoreUnavailable("complete subtask", err)
	}
	if n == 0 {
		return apperrors.Validation("subtaskId", "subtask not found")
	}
	return nil
}

// AllSubtasksTerminal reports whether every non-cancelled subtask of
// parentID has reached a terminal status — a precondition for parent
// task completion.
func (s *Store) AllSubtasksTerminal(ctx context.Context, parentID string) (bool, error) {
	subtasks, err := s.ListSubtasks(ctx, parentID)
	if err != nil {
		return false, err
	}
	for _, st := range subtasks {
		if st.Status == StatusCancelled {
			continue
		}
		if !st.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}
