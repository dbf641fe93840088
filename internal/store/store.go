package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/apexorch/apex/internal/apperrors"
	"github.com/apexorch/apex/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the durable, transactional Task Store. Writes are serialised
// through a single connection; reads use a separate read-only pool so
// readers never block on (or are blocked by) writers.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	log    *logger.Logger
	mu     sync.Mutex // serialises write transactions above the single-conn pool
}

// Open opens (creating if necessary) the SQLite file at dbPath and runs any
// pending forward migrations.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, apperrors.StoreUnavailable("open sqlite writer", err)
	}
	reader, err := openReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, apperrors.StoreUnavailable("open sqlite reader", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, apperrors.StoreUnavailable("set goose dialect", err)
	}
	if err := goose.Up(writer, "migrations"); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, apperrors.StoreUnavailable("run migrations", err)
	}

	return &Store{writer: writer, reader: reader, log: log}, nil
}

// Close releases the backing connections. Idempotent.
func (s *Store) Close() error {
	var errs []error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		s.writer = nil
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		s.reader = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("store close: %v", errs)
	}
	return nil
}

// CreateTask assigns an id, stamps timestamps, and persists with status pending.
func (s *Store) CreateTask(ctx context.Context, spec CreateTaskSpec) (string, error) {
	if spec.Description == "" {
		return "", apperrors.Validation("description", "must not be empty")
	}
	if spec.Workflow == "" {
		return "", apperrors.Validation("workflow", "must not be empty")
	}
	if spec.ProjectPath == "" {
		return "", apperrors.Validation("projectPath", "must not be empty")
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = 3
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO tasks (
			id, description, acceptance, workflow, autonomy, priority,
			project_path, branch_name, status, created_at, updated_at,
			retry_count, max_retries
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, spec.Description, spec.Acceptance, spec.Workflow, string(spec.Autonomy),
		string(spec.Priority), spec.ProjectPath, spec.BranchName, string(StatusPending),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), spec.MaxRetries,
	)
	if err != nil {
		return "", apperrors.StoreUnavailable("insert task", err)
	}
	return id, nil
}

// GetTask is a point lookup; returns nil, nil if the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.reader.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable("get task", err)
	}
	return task, nil
}

// UpdateTask merges the given patch under a single transaction, bumping
// updatedAt and rejecting patches that violate the task state machine.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.StoreUnavailable("begin update tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE id = ?", id)
	current, err := scanTask(row)
	if err == sql.ErrNoRows {
		return apperrors.Validation("id", "task not found")
	}
	if err != nil {
		return apperrors.StoreUnavailable("load task for update", err)
	}

	if current.Status.IsTerminal() {
		return apperrors.IllegalTransition(fmt.Sprintf("task %s is in terminal status %s", id, current.Status))
	}

	next := *current
	if patch.Status != nil {
		if err := validateTransition(current.Status, *patch.Status); err != nil {
			return err
		}
		next.Status = *patch.Status
	}
	if patch.CurrentStage != nil {
		next.CurrentStage = *patch.CurrentStage
	}
	if patch.CurrentAgent != nil {
		next.CurrentAgent = *patch.CurrentAgent
	}
	if patch.Usage != nil {
		if patch.Usage.TotalTokens < current.Usage.TotalTokens ||
			patch.Usage.EstimatedCost.Cmp(current.Usage.EstimatedCost) < 0 {
			return apperrors.IllegalTransition("usage must be monotonically non-decreasing")
		}
		next.Usage = *patch.Usage
	}
	if patch.RetryCount != nil {
		if *patch.RetryCount > next.MaxRetries {
			return apperrors.IllegalTransition("retryCount must not exceed maxRetries")
		}
		next.RetryCount = *patch.RetryCount
	}
	if patch.PausedAt != nil {
		next.PausedAt = *patch.PausedAt
	}
	if patch.PauseReason != nil {
		next.PauseReason = *patch.PauseReason
	}
	if patch.ResumeAfter != nil {
		next.ResumeAfter = *patch.ResumeAfter
	}
	if patch.CompletedAt != nil {
		next.CompletedAt = *patch.CompletedAt
	}

	// Invariant: pausedAt set iff status = paused; pauseReason set iff status = paused.
	if next.Status == StatusPaused {
		if next.PausedAt == nil || next.PauseReason == nil {
			return apperrors.IllegalTransition("paused status requires pausedAt and pauseReason")
		}
	} else {
		next.PausedAt = nil
		next.PauseReason = nil
	}

	next.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, updated_at = ?, paused_at = ?, completed_at = ?,
			retry_count = ?, input_tokens = ?, output_tokens = ?, total_tokens = ?,
			estimated_cost = ?, current_stage = ?, current_agent = ?,
			pause_reason = ?, resume_after = ?
		WHERE id = ?`,
		string(next.Status), next.UpdatedAt.Format(time.RFC3339Nano),
		formatTimePtr(next.PausedAt), formatTimePtr(next.CompletedAt),
		next.RetryCount, next.Usage.InputTokens, next.Usage.OutputTokens, next.Usage.TotalTokens,
		int64(next.Usage.EstimatedCost), next.CurrentStage, next.CurrentAgent,
		formatPauseReasonPtr(next.PauseReason), formatTimePtr(next.ResumeAfter),
		id,
	); err != nil {
		return apperrors.StoreUnavailable("update task", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StoreUnavailable("commit update", err)
	}
	return nil
}

// validTransitions encodes the §3 state machine.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusCancelled: true},
	StatusRunning: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusPending: true},
	StatusPaused:  {StatusRunning: true, StatusCancelled: true},
	StatusFailed:  {StatusPending: true},
}

func validateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if allowed, ok := validTransitions[from]; ok && allowed[to] {
		return nil
	}
	return apperrors.IllegalTransition(fmt.Sprintf("illegal transition %s -> %s", from, to))
}

// ListTasks returns tasks matching the predicate.
func (s *Store) ListTasks(ctx context.Context, pred ListPredicate) ([]*Task, error) {
	query := taskSelectColumns + " FROM tasks WHERE 1=1"
	var args []any

	if len(pred.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(pred.Statuses)) + ")"
		for _, st := range pred.Statuses {
			args = append(args, string(st))
		}
	}
	if len(pred.Priorities) > 0 {
		query += " AND priority IN (" + placeholders(len(pred.Priorities)) + ")"
		for _, p := range pred.Priorities {
			args = append(args, string(p))
		}
	}
	if len(pred.PauseReasons) > 0 {
		query += " AND pause_reason IN (" + placeholders(len(pred.PauseReasons)) + ")"
		for _, r := range pred.PauseReasons {
			args = append(args, string(r))
		}
	}
	if pred.ResumeBefore != nil {
		query += " AND (resume_after IS NULL OR resume_after <= ?)"
		args = append(args, pred.ResumeBefore.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.StoreUnavailable("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, apperrors.StoreUnavailable("scan task row", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// GetPausedTasksForResume returns auto-resumable paused tasks whose
// resumeAfter gate has opened, ordered (priority desc, createdAt asc, id asc).
func (s *Store) GetPausedTasksForResume(ctx context.Context, now time.Time) ([]*Task, error) {
	tasks, err := s.ListTasks(ctx, ListPredicate{
		Statuses:     []Status{StatusPaused},
		PauseReasons: []PauseReason{PauseCapacity, PauseBudget, PauseUsageLimit},
		ResumeBefore: &now,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatPauseReasonPtr(r *PauseReason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}
