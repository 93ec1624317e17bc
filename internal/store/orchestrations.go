package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/taskd/internal/task"
)

// CreateOrchestration inserts an orchestration and all member tasks in one
// transaction. Tasks with dependencies start waiting, roots start pending.
// Graph validation (cycles, unknown names) happens before this call; the
// unique index still backstops duplicate identifiers.
func (s *Store) CreateOrchestration(ctx context.Context, specs []task.Spec) (*task.Orchestration, []*task.Task, error) {
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("orchestration needs at least one task")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO orchestrations (status, total_tasks, created_at) VALUES ('pending', ?, ?)
	`, len(specs), timeString(now))
	if err != nil {
		return nil, nil, fmt.Errorf("inserting orchestration: %w", err)
	}
	orchID, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("reading orchestration id: %w", err)
	}

	orch := &task.Orchestration{
		ID:        orchID,
		Status:    task.OrchPending,
		Total:     len(specs),
		CreatedAt: now,
	}

	tasks := make([]*task.Task, 0, len(specs))
	for _, spec := range specs {
		status := task.StatusPending
		if len(spec.DependsOn) > 0 {
			status = task.StatusWaiting
		}
		in := CreateTaskInput{
			WorkingDir:      spec.WorkingDir,
			SystemPrompt:    spec.SystemPrompt,
			ExecutionPrompt: spec.ExecutionPrompt,
			ModelTier:       spec.ModelTier,
		}
		t, err := s.insertTask(ctx, tx, in, status, orchID, spec.Identifier, spec.DependsOn, spec.WaitAfterDeps)
		if err != nil {
			return nil, nil, fmt.Errorf("inserting member %q: %w", spec.Identifier, err)
		}
		tasks = append(tasks, t)
		orch.TaskIDs = append(orch.TaskIDs, t.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing orchestration: %w", err)
	}
	return orch, tasks, nil
}

// MarkOrchestrationRunning transitions an orchestration to running,
// stamping started_at once.
func (s *Store) MarkOrchestrationRunning(ctx context.Context, orchID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status = 'pending'
	`, timeString(s.now()), orchID)
	if err != nil {
		return fmt.Errorf("marking orchestration %d running: %w", orchID, err)
	}
	return nil
}

// RecomputeOrchestration recalculates the aggregate counts from member
// statuses and derives the terminal status: completed iff every member
// completed; failed once any member failed and the rest are terminal. An
// explicitly cancelled orchestration is left alone.
func (s *Store) RecomputeOrchestration(ctx context.Context, orchID int64) (*task.Orchestration, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE orchestration_id = ? GROUP BY status`, orchID)
	if err != nil {
		return nil, fmt.Errorf("counting members of orchestration %d: %w", orchID, err)
	}
	counts := map[task.Status]int{}
	total := 0
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning member counts: %w", err)
		}
		counts[task.Status(st)] = n
		total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("orchestration %d: %w", orchID, ErrNotFound)
	}

	terminal := counts[task.StatusCompleted] + counts[task.StatusFailed] +
		counts[task.StatusSkipped] + counts[task.StatusCancelled]

	query := `UPDATE orchestrations SET completed_tasks = ?, failed_tasks = ?, skipped_tasks = ?`
	args := []any{counts[task.StatusCompleted], counts[task.StatusFailed], counts[task.StatusSkipped]}

	if terminal == total {
		status := task.OrchCompleted
		if counts[task.StatusFailed] > 0 {
			status = task.OrchFailed
		} else if counts[task.StatusCancelled] > 0 {
			status = task.OrchCancelled
		}
		query += `, status = ?, ended_at = COALESCE(ended_at, ?)`
		args = append(args, string(status), timeString(s.now()))
	}
	query += ` WHERE id = ? AND status NOT IN ('cancelled')`
	args = append(args, orchID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating orchestration %d: %w", orchID, err)
	}

	orch, err := s.getOrchestrationTx(ctx, tx, orchID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing orchestration update: %w", err)
	}
	return orch, nil
}

// CancelOrchestration marks a non-terminal orchestration cancelled.
func (s *Store) CancelOrchestration(ctx context.Context, orchID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestrations SET status = 'cancelled', ended_at = COALESCE(ended_at, ?)
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`, timeString(s.now()), orchID)
	if err != nil {
		return fmt.Errorf("cancelling orchestration %d: %w", orchID, err)
	}
	return nil
}

const orchColumns = `id, status, total_tasks, completed_tasks, failed_tasks, skipped_tasks,
	created_at, started_at, ended_at`

func scanOrchestration(r rowScanner) (*task.Orchestration, error) {
	var (
		o         task.Orchestration
		status    string
		createdAt string
		startedAt sql.NullString
		endedAt   sql.NullString
	)
	err := r.Scan(&o.ID, &status, &o.Total, &o.Completed, &o.Failed, &o.Skipped,
		&createdAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning orchestration row: %w", err)
	}

	o.Status = task.OrchestrationStatus(status)
	created, err := parseTime(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return nil, err
	}
	o.CreatedAt = *created
	if o.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if o.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrchestration retrieves an orchestration and its member task ids.
func (s *Store) GetOrchestration(ctx context.Context, orchID int64) (*task.Orchestration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orchColumns+` FROM orchestrations WHERE id = ?`, orchID)
	orch, err := scanOrchestration(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE orchestration_id = ? ORDER BY id`, orchID)
	if err != nil {
		return nil, fmt.Errorf("querying member ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning member id: %w", err)
		}
		orch.TaskIDs = append(orch.TaskIDs, id)
	}
	return orch, rows.Err()
}

func (s *Store) getOrchestrationTx(ctx context.Context, tx *sql.Tx, orchID int64) (*task.Orchestration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orchColumns+` FROM orchestrations WHERE id = ?`, orchID)
	return scanOrchestration(row)
}

// ListOrchestrations returns all orchestrations, newest first.
func (s *Store) ListOrchestrations(ctx context.Context) ([]*task.Orchestration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orchColumns+` FROM orchestrations ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying orchestrations: %w", err)
	}
	defer rows.Close()

	var out []*task.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListNonTerminalOrchestrations returns orchestrations a previous process
// left unfinished.
func (s *Store) ListNonTerminalOrchestrations(ctx context.Context) ([]*task.Orchestration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orchColumns+` FROM orchestrations
		WHERE status IN ('pending', 'running') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying orchestrations: %w", err)
	}
	defer rows.Close()

	var out []*task.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
