package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"geoflow/pkg/job"
)

const jobColumns = `job_id, job_type, status, stage, total_stages, parameters, stage_results,
    COALESCE(result_data, '{}'::jsonb), COALESCE(error_message, ''), COALESCE(failed_stage, 0),
    created_at, updated_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Stage, &j.TotalStages, &j.Parameters, &j.StageResults,
		&j.ResultData, &j.ErrorMessage, &j.FailedStage, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJobIdempotent inserts a new QUEUED job together with its initial
// job message in one transaction. If a job with the same deterministic ID
// already exists, nothing is written and the existing record is returned:
// resubmission with identical parameters is a read, not a write.
func (c *Client) CreateJobIdempotent(ctx context.Context, j *job.Job, msg job.JobMessage) (bool, *job.Job, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        INSERT INTO jobs (job_id, job_type, status, stage, total_stages, parameters)
        VALUES ($1, $2, 'QUEUED', 1, $3, $4)
        ON CONFLICT (job_id) DO NOTHING`,
		j.ID, j.Type, j.TotalStages, j.Parameters)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := c.GetJob(ctx, j.ID)
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}

	if err := insertOutbox(ctx, tx, ChannelJobs, msg); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := scanJob(c.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, err
}

// MarkJobProcessing flips a job from QUEUED to PROCESSING for the given
// stage and returns the fresh record. A nil job with nil error means the
// guard matched no row: the message is a duplicate or stale delivery and
// the caller should acknowledge it without further work.
func (c *Client) MarkJobProcessing(ctx context.Context, jobID string, stage int) (*job.Job, error) {
	j, err := scanJob(c.pool.QueryRow(ctx, `
        UPDATE jobs SET status = 'PROCESSING', updated_at = NOW()
        WHERE job_id = $1 AND status = 'QUEUED' AND stage = $2
        RETURNING `+jobColumns, jobID, stage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// AdvanceJobStage is the atomic advance-job-stage procedure. Within one
// transaction holding the job advisory lock it records the finished
// stage's results, parks the job QUEUED, increments the stage (the only
// statement that ever changes it, so stage is monotonic), and writes the
// next-stage job message to the outbox.
func (c *Client) AdvanceJobStage(ctx context.Context, jobID string, fromStage int, results []job.Result) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockJob(ctx, tx, jobID); err != nil {
		return err
	}

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	var (
		jobType   string
		params    map[string]any
		nextStage int
	)
	err = tx.QueryRow(ctx, `
        UPDATE jobs
        SET status = 'QUEUED',
            stage = stage + 1,
            stage_results = jsonb_set(stage_results, ARRAY[$3], $4::jsonb),
            updated_at = NOW()
        WHERE job_id = $1 AND status = 'PROCESSING' AND stage = $2
        RETURNING job_type, parameters, stage`,
		jobID, fromStage, strconv.Itoa(fromStage), resultsJSON,
	).Scan(&jobType, &params, &nextStage)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("advance job %s from stage %d: %w", jobID, fromStage, ErrInvalidTransition)
	}
	if err != nil {
		return err
	}

	msg := job.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         nextStage,
		Parameters:    params,
		CorrelationID: newCorrelationID(),
	}
	if err := insertOutbox(ctx, tx, ChannelJobs, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CompleteJob records the final stage's results and the finalize output,
// and moves the job to its terminal success status. Only valid on the last
// stage of a PROCESSING job.
func (c *Client) CompleteJob(ctx context.Context, jobID string, stage int, results []job.Result, resultData map[string]any, withErrors bool) error {
	status := job.StatusCompleted
	if withErrors {
		status = job.StatusCompletedWithErrors
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}
	tag, err := c.pool.Exec(ctx, `
        UPDATE jobs
        SET status = $2,
            result_data = $3,
            stage_results = jsonb_set(stage_results, ARRAY[$4], $5::jsonb),
            updated_at = NOW()
        WHERE job_id = $1 AND status = 'PROCESSING' AND stage = $6 AND stage = total_stages`,
		jobID, status, resultData, strconv.Itoa(stage), resultsJSON, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s at stage %d: %w", jobID, stage, ErrInvalidTransition)
	}
	return nil
}

// FailJob moves a job to terminal FAILED with a human-readable reason and
// the stage at which the failure occurred.
func (c *Client) FailJob(ctx context.Context, jobID string, stage int, reason string) error {
	tag, err := c.pool.Exec(ctx, `
        UPDATE jobs
        SET status = 'FAILED', error_message = $2, failed_stage = $3, updated_at = NOW()
        WHERE job_id = $1 AND status IN ('QUEUED', 'PROCESSING')`,
		jobID, reason, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", jobID, ErrInvalidTransition)
	}
	return nil
}

// DeleteFinishedJobsBefore removes terminal jobs (and their tasks) whose
// last update is older than the cutoff. Retention sweep, never triggered
// by completion itself.
func (c *Client) DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const terminal = `('COMPLETED', 'FAILED', 'COMPLETED_WITH_ERRORS')`
	if _, err := tx.Exec(ctx, `
        DELETE FROM tasks WHERE job_id IN
            (SELECT job_id FROM jobs WHERE status IN `+terminal+` AND updated_at < $1)`, cutoff); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
        DELETE FROM jobs WHERE status IN `+terminal+` AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
