package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskd/internal/logsink"
	"github.com/aristath/taskd/internal/task"
)

// CreateTaskInput holds the fields a caller supplies at insert.
type CreateTaskInput struct {
	WorkingDir      string
	SystemPrompt    string
	ExecutionPrompt string
	ModelTier       task.ModelTier
}

// CreateTask allocates an id, precomputes the log paths, and writes the row
// in state pending.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.insertTask(ctx, tx, in, task.StatusPending, 0, "", nil, 0)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task insert: %w", err)
	}
	return t, nil
}

// insertTask writes one task row inside an open transaction. The log paths
// embed the allocated id, so the row is inserted first and patched with its
// paths in the same transaction.
func (s *Store) insertTask(ctx context.Context, tx *sql.Tx, in CreateTaskInput, status task.Status, orchID int64, identifier string, dependsOn []string, waitAfter time.Duration) (*task.Task, error) {
	now := s.now()

	deps := dependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("encoding depends_on: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (status, model_tier, working_dir, system_prompt, execution_prompt,
			created_at, orchestration_id, identifier, depends_on, wait_after_deps_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(status), string(in.ModelTier), in.WorkingDir, in.SystemPrompt, in.ExecutionPrompt,
		timeString(now), orchID, identifier, string(depsJSON), waitAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading task id: %w", err)
	}

	summaryPath, detailedPath := logsink.GeneratePaths(s.logDir, id, in.WorkingDir, now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET summary_log_path = ?, detailed_log_path = ? WHERE id = ?
	`, summaryPath, detailedPath, id); err != nil {
		return nil, fmt.Errorf("setting log paths: %w", err)
	}

	return &task.Task{
		ID:              id,
		Status:          status,
		ModelTier:       in.ModelTier,
		WorkingDir:      in.WorkingDir,
		SystemPrompt:    in.SystemPrompt,
		ExecutionPrompt: in.ExecutionPrompt,
		SummaryLogPath:  summaryPath,
		DetailedLogPath: detailedPath,
		CreatedAt:       now,
		OrchestrationID: orchID,
		Identifier:      identifier,
		DependsOn:       deps,
		WaitAfterDeps:   waitAfter,
	}, nil
}

// Patch carries optional fields applied alongside a status transition.
type Patch struct {
	WorkerPID    *int
	FinalSummary *string
	ErrorMessage *string
}

// Transition performs a compare-and-set status change. It fails with
// ErrStateConflict if the row's current status is not from. Timestamps are
// maintained here: entering running stamps started_at (once), entering a
// terminal state stamps ended_at.
func (s *Store) Transition(ctx context.Context, id int64, from, to task.Status, p *Patch) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := timeString(s.now())

	query := `UPDATE tasks SET status = ?`
	args := []any{string(to)}

	if to == task.StatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, ended_at = ?`
		args = append(args, now)
	}
	if p != nil {
		if p.WorkerPID != nil {
			query += `, worker_pid = ?`
			args = append(args, *p.WorkerPID)
		}
		if p.FinalSummary != nil {
			query += `, final_summary = ?`
			args = append(args, *p.FinalSummary)
		}
		if p.ErrorMessage != nil {
			query += `, error_message = ?`
			args = append(args, *p.ErrorMessage)
		}
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking transition of task %d: %w", id, err)
	}
	if n == 0 {
		if _, gerr := s.getTaskTx(ctx, tx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("task %d: %s -> %s: %w", id, from, to, ErrStateConflict)
	}

	return tx.Commit()
}

// Finalize moves a task into a terminal state, recording exactly one of
// final_summary or error_message. It refuses to overwrite a row that is
// already terminal.
func (s *Store) Finalize(ctx context.Context, id int64, to task.Status, finalSummary, errorMessage string) error {
	if !to.Terminal() {
		return fmt.Errorf("finalize to non-terminal status %q", to)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var summary, errMsg any
	if to == task.StatusCompleted {
		summary = finalSummary
	} else {
		errMsg = errorMessage
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, final_summary = ?, error_message = ?, ended_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')
	`, string(to), summary, errMsg, timeString(s.now()), id)
	if err != nil {
		return fmt.Errorf("finalizing task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking finalize of task %d: %w", id, err)
	}
	if n == 0 {
		if _, gerr := s.getTaskTx(ctx, tx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("task %d already terminal: %w", id, ErrStateConflict)
	}

	return tx.Commit()
}

// AppendAction updates the last_action cache. The cache only ever advances;
// it is never cleared once set.
func (s *Store) AppendAction(ctx context.Context, id int64, line string) error {
	if line == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET last_action = ? WHERE id = ?`, line, id)
	if err != nil {
		return fmt.Errorf("updating last_action for task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking last_action update for task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

const taskColumns = `id, status, model_tier, working_dir, system_prompt, execution_prompt,
	summary_log_path, detailed_log_path, last_action, final_summary, error_message, worker_pid,
	created_at, started_at, ended_at, orchestration_id, identifier, depends_on, wait_after_deps_seconds`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row.
func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		tier       string
		summary    sql.NullString
		errMsg     sql.NullString
		createdAt  string
		startedAt  sql.NullString
		endedAt    sql.NullString
		dependsOn  string
		waitAfterS float64
	)

	err := r.Scan(&t.ID, &status, &tier, &t.WorkingDir, &t.SystemPrompt, &t.ExecutionPrompt,
		&t.SummaryLogPath, &t.DetailedLogPath, &t.LastAction, &summary, &errMsg, &t.WorkerPID,
		&createdAt, &startedAt, &endedAt, &t.OrchestrationID, &t.Identifier, &dependsOn, &waitAfterS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task row: %w", err)
	}

	t.Status = task.Status(status)
	t.ModelTier = task.ModelTier(tier)
	t.FinalSummary = summary.String
	t.ErrorMessage = errMsg.String
	t.WaitAfterDeps = time.Duration(waitAfterS * float64(time.Second))

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = created

	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if t.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("parsing depends_on: %w", err)
	}

	return &t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, id int64) (*task.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC`)
}

// ListTasksByOrchestration returns an orchestration's member tasks in
// insertion order.
func (s *Store) ListTasksByOrchestration(ctx context.Context, orchID int64) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE orchestration_id = ? ORDER BY id`, orchID)
}

// LoadPendingOnStartup returns rows left in non-terminal states by a
// previous process; the scheduler re-queues them.
func (s *Store) LoadPendingOnStartup(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('pending', 'waiting', 'running') ORDER BY id`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
