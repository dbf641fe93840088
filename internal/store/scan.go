package store

import (
	"database/sql"
	"time"

	"github.com/apexorch/apex/internal/money"
)

const taskSelectColumns = `SELECT
	id, description, acceptance, workflow, autonomy, priority,
	project_path, branch_name, status, created_at, updated_at,
	paused_at, completed_at, retry_count, max_retries,
	input_tokens, output_tokens, total_tokens, estimated_cost,
	current_stage, current_agent, pause_reason, resume_after`

// rowScanner abstracts over *sql.Row and *sql.Rows so one scan function serves both.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row rowScanner) (*Task, error) {
	var t Task
	var autonomy, priority, status string
	var createdAt, updatedAt string
	var pausedAt, completedAt, pauseReason, resumeAfter sql.NullString
	var estimatedCost int64

	err := row.Scan(
		&t.ID, &t.Description, &t.Acceptance, &t.Workflow, &autonomy, &priority,
		&t.ProjectPath, &t.BranchName, &status, &createdAt, &updatedAt,
		&pausedAt, &completedAt, &t.RetryCount, &t.MaxRetries,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &estimatedCost,
		&t.CurrentStage, &t.CurrentAgent, &pauseReason, &resumeAfter,
	)
	if err != nil {
		return nil, err
	}

	t.Autonomy = Autonomy(autonomy)
	t.Priority = Priority(priority)
	t.Status = Status(status)
	t.Usage.EstimatedCost = money.Money(estimatedCost)

	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	if pausedAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, pausedAt.String)
		if err != nil {
			return nil, err
		}
		t.PausedAt = &parsed
	}
	if completedAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &parsed
	}
	if pauseReason.Valid {
		r := PauseReason(pauseReason.String)
		t.PauseReason = &r
	}
	if resumeAfter.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, resumeAfter.String)
		if err != nil {
			return nil, err
		}
		t.ResumeAfter = &parsed
	}

	return &t, nil
}
