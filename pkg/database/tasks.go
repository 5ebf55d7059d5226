package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"geoflow/pkg/job"
)

const taskColumns = `task_id, job_id, task_type, stage, status, parameters,
    COALESCE(result_data, '{}'::jsonb), COALESCE(error_message, ''),
    retry_count, max_retries, last_pulse, created_at, updated_at`

func scanTask(row pgx.Row) (*job.Task, error) {
	t := &job.Task{}
	err := row.Scan(
		&t.ID, &t.JobID, &t.Type, &t.Stage, &t.Status, &t.Parameters,
		&t.ResultData, &t.ErrorMessage, &t.RetryCount, &t.MaxRetries,
		&t.LastPulse, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTasks inserts a stage's task batch together with the matching task
// messages in one transaction. Inserts are keyed on the deterministic task
// ID, so a redelivered stage message recreates nothing and enqueues
// nothing for tasks that already exist.
func (c *Client) CreateTasks(ctx context.Context, tasks []job.Task, msgs []job.TaskMessage) error {
	if len(tasks) != len(msgs) {
		return fmt.Errorf("task batch: %d tasks but %d messages", len(tasks), len(msgs))
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i, t := range tasks {
		tag, err := tx.Exec(ctx, `
            INSERT INTO tasks (task_id, job_id, task_type, stage, status, parameters, max_retries)
            VALUES ($1, $2, $3, $4, 'QUEUED', $5, $6)
            ON CONFLICT (task_id) DO NOTHING`,
			t.ID, t.JobID, t.Type, t.Stage, t.Parameters, t.MaxRetries)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := insertOutbox(ctx, tx, ChannelTasks, msgs[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*job.Task, error) {
	t, err := scanTask(c.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (c *Client) ListJobTasks(ctx context.Context, jobID string) ([]job.Task, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id = $1 ORDER BY stage, created_at, task_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []job.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically flips a task from QUEUED to PROCESSING and seeds
// its heartbeat. Returns nil if the task was already claimed or finished:
// duplicate delivery is handled, not an error.
func (c *Client) ClaimTask(ctx context.Context, taskID string) (*job.Task, error) {
	t, err := scanTask(c.pool.QueryRow(ctx, `
        UPDATE tasks SET status = 'PROCESSING', last_pulse = NOW(), updated_at = NOW()
        WHERE task_id = $1 AND status = 'QUEUED'
        RETURNING `+taskColumns, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CompleteTaskAndCheckStage is the "last task turns out the lights"
// procedure. In a single transaction serialized by the (job, stage)
// advisory lock it records the task's terminal status and result, then
// counts the stage's remaining non-terminal tasks. Exactly one caller ever
// observes the count reach zero, and only that caller receives the stage's
// full result set. A terminal-to-terminal update (duplicate delivery) is a
// no-op that never reports stage completion.
func (c *Client) CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, status job.TaskStatus, result job.Result, errMsg string) (job.StageCheck, error) {
	var check job.StageCheck

	if !status.Terminal() {
		return check, fmt.Errorf("complete task %s with non-terminal status %s: %w", taskID, status, ErrInvalidTransition)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return check, err
	}
	defer tx.Rollback(ctx)

	if err := lockStage(ctx, tx, jobID, stage); err != nil {
		return check, err
	}

	tag, err := tx.Exec(ctx, `
        UPDATE tasks
        SET status = $1, result_data = $2, error_message = NULLIF($3, ''), updated_at = NOW()
        WHERE task_id = $4 AND status IN ('QUEUED', 'PROCESSING')`,
		status, result, errMsg, taskID)
	if err != nil {
		return check, err
	}
	if tag.RowsAffected() == 0 {
		var current job.TaskStatus
		err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1`, taskID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return check, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return check, err
		}
		if !current.Terminal() {
			return check, fmt.Errorf("task %s in status %s rejected terminal update: %w", taskID, current, ErrInvalidTransition)
		}
		// Duplicate delivery of an already-finished task.
		return check, tx.Commit(ctx)
	}

	var remaining int
	if err := tx.QueryRow(ctx, `
        SELECT COUNT(*) FROM tasks
        WHERE job_id = $1 AND stage = $2 AND status NOT IN ('COMPLETED', 'FAILED')`,
		jobID, stage).Scan(&remaining); err != nil {
		return check, err
	}
	if remaining > 0 {
		return check, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
        SELECT task_id, task_type, status, COALESCE(result_data, '{}'::jsonb), COALESCE(error_message, '')
        FROM tasks WHERE job_id = $1 AND stage = $2
        ORDER BY created_at, task_id`, jobID, stage)
	if err != nil {
		return check, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, taskType string
			st           job.TaskStatus
			data         job.Result
			taskErr      string
		)
		if err := rows.Scan(&id, &taskType, &st, &data, &taskErr); err != nil {
			return check, err
		}
		if st == job.TaskCompleted {
			check.Completed++
			check.Results = append(check.Results, data)
		} else {
			check.Failed++
			check.Results = append(check.Results, job.Result{
				"task_id":   id,
				"task_type": taskType,
				"failed":    true,
				"error":     taskErr,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return check, err
	}

	if err := tx.Commit(ctx); err != nil {
		return check, err
	}
	check.StageComplete = true
	return check, nil
}

// RetryTask atomically increments the retry count and resets the task to
// QUEUED, but only while the caller still owns a PROCESSING row with
// budget remaining. A single guarded UPDATE avoids the read-modify-write
// race. On a guard miss the row's current state decides the outcome: a
// PROCESSING task with a spent budget is exhausted and must be finished
// terminally, while a task someone else already requeued or finished means
// the caller lost ownership and must do nothing further.
func (c *Client) RetryTask(ctx context.Context, taskID, errMsg string) (int, job.RetryOutcome, error) {
	var attempt int
	err := c.pool.QueryRow(ctx, `
        UPDATE tasks
        SET retry_count = retry_count + 1, status = 'QUEUED', error_message = $2, updated_at = NOW()
        WHERE task_id = $1 AND status = 'PROCESSING' AND retry_count < max_retries
        RETURNING retry_count`,
		taskID, errMsg).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		var (
			current    job.TaskStatus
			retryCount int
			maxRetries int
		)
		err := c.pool.QueryRow(ctx,
			`SELECT status, retry_count, max_retries FROM tasks WHERE task_id = $1`, taskID).
			Scan(&current, &retryCount, &maxRetries)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, job.RetryLost, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return 0, job.RetryLost, err
		}
		if current == job.TaskProcessing && retryCount >= maxRetries {
			return retryCount, job.RetryExhausted, nil
		}
		return retryCount, job.RetryLost, nil
	}
	if err != nil {
		return 0, job.RetryLost, err
	}
	return attempt, job.RetryScheduled, nil
}

// Pulse refreshes a running task's liveness heartbeat.
func (c *Client) Pulse(ctx context.Context, taskID string) error {
	_, err := c.pool.Exec(ctx, `
        UPDATE tasks SET last_pulse = NOW() WHERE task_id = $1 AND status = 'PROCESSING'`, taskID)
	return err
}

// StaleProcessingTasks lists PROCESSING tasks whose heartbeat is older
// than the timeout, for the reaper to push back through the retry path.
func (c *Client) StaleProcessingTasks(ctx context.Context, olderThanSeconds float64, limit int) ([]job.Task, error) {
	rows, err := c.pool.Query(ctx, `
        SELECT `+taskColumns+` FROM tasks
        WHERE status = 'PROCESSING'
          AND COALESCE(last_pulse, updated_at) < NOW() - make_interval(secs => $1)
        ORDER BY last_pulse
        LIMIT $2`, olderThanSeconds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []job.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
