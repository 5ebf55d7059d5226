package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geoflow/pkg/handler"
	"geoflow/pkg/job"
	"geoflow/pkg/mq"
	"geoflow/pkg/observability"
	"geoflow/pkg/workflow"
)

// HandleTaskMessage consumes one task message: claim, execute the handler,
// then report the outcome through the atomic completion protocol. The one
// caller per stage that observes completion advances or finalizes the job;
// every other caller returns having done nothing further.
func (m *CoreMachine) HandleTaskMessage(ctx context.Context, msg job.TaskMessage) error {
	l := m.logger.With("task_id", msg.TaskID, "job_id", msg.JobID, "task_type", msg.TaskType, "stage", msg.Stage)

	t, err := m.store.ClaimTask(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if t == nil {
		l.Info("task already claimed or finished, nothing to do")
		return nil
	}

	fn, err := m.handlers.Get(t.Type)
	if err != nil {
		// No handler registered for the task type: a deployment problem,
		// pushed through the bounded-retry path so a rolling deploy that
		// registers it late still recovers.
		l.Error("no handler for task type", "error", err)
		return m.failOrRetry(ctx, l, t, err.Error())
	}

	tc := handler.NewTaskContext(t.JobID, t.ID, t.Stage, l, func(ctx context.Context) error {
		return m.store.Pulse(ctx, t.ID)
	})

	start := time.Now()
	res := fn(ctx, t.Parameters, tc)
	observability.TaskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())

	if !res.Success {
		l.Warn("task handler reported failure", "error", res.Error, "error_type", res.ErrorType)
		return m.failOrRetry(ctx, l, t, res.Error)
	}

	check, err := m.store.CompleteTaskAndCheckStage(ctx, t.ID, t.JobID, t.Stage, job.TaskCompleted, res.Data, "")
	if err != nil {
		return err
	}
	observability.TasksProcessed.WithLabelValues(t.Type, "completed").Inc()
	l.Info("task completed", "stage_complete", check.StageComplete)

	if check.StageComplete {
		return m.advanceOrFinalize(ctx, t.JobID, t.Stage, check)
	}
	return nil
}

// RecoverTask pushes a task whose worker died (stale heartbeat) back
// through the same bounded-retry path a handler failure takes. Used by the
// reaper.
func (m *CoreMachine) RecoverTask(ctx context.Context, t *job.Task, reason string) error {
	l := m.logger.With("task_id", t.ID, "job_id", t.JobID, "task_type", t.Type, "stage", t.Stage)
	l.Warn("recovering task", "reason", reason)
	return m.failOrRetry(ctx, l, t, reason)
}

// failOrRetry handles a business-logic failure: bounded retry with
// exponential backoff while the budget lasts, then terminal task failure.
// Terminal failure does not fail the job by itself; the stage still
// completes, with the failure recorded in its results.
func (m *CoreMachine) failOrRetry(ctx context.Context, l *slog.Logger, t *job.Task, reason string) error {
	attempt, outcome, err := m.store.RetryTask(ctx, t.ID, reason)
	if err != nil {
		return err
	}
	switch outcome {
	case job.RetryScheduled:
		delay := mq.RetryDelay(m.cfg.BaseRetryDelay, attempt, m.cfg.RetrySteps)
		l.Info("retry scheduled", "attempt", attempt, "max_retries", t.MaxRetries, "delay", delay)
		observability.TasksProcessed.WithLabelValues(t.Type, "retried").Inc()
		observability.RetriesScheduled.WithLabelValues(t.Type).Inc()
		return m.channel.PublishTaskRetry(ctx, job.TaskMessage{
			TaskID:     t.ID,
			JobID:      t.JobID,
			TaskType:   t.Type,
			Stage:      t.Stage,
			Parameters: t.Parameters,
		}, delay)
	case job.RetryLost:
		// Another requeue or completion won the race, typically the reaper
		// recovering a worker that was merely slow. Whoever owns the task
		// now drives it; reporting here would double-count the failure.
		l.Info("task no longer owned by this worker, leaving it to its new owner", "retry_count", attempt)
		return nil
	}

	l.Warn("retries exhausted, failing task terminally")
	check, err := m.store.CompleteTaskAndCheckStage(ctx, t.ID, t.JobID, t.Stage, job.TaskFailed, nil, reason)
	if err != nil {
		return err
	}
	observability.TasksProcessed.WithLabelValues(t.Type, "failed").Inc()

	if check.StageComplete {
		return m.advanceOrFinalize(ctx, t.JobID, t.Stage, check)
	}
	return nil
}

// advanceOrFinalize runs in the one caller per stage that observed
// completion. A stage where every task failed terminally fails the job; a
// non-final stage advances; the final stage finalizes.
func (m *CoreMachine) advanceOrFinalize(ctx context.Context, jobID string, stage int, check job.StageCheck) error {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	l := m.logger.With("job_id", jobID, "job_type", j.Type, "stage", stage)

	if check.Completed == 0 {
		l.Error("every task in stage failed terminally, failing job", "failed", check.Failed)
		return m.store.FailJob(ctx, jobID, stage,
			fmt.Sprintf("all %d tasks in stage %d failed terminally", check.Failed, stage))
	}

	if stage >= j.TotalStages {
		return m.finalize(ctx, j, stage, check)
	}

	if err := m.store.AdvanceJobStage(ctx, jobID, stage, check.Results); err != nil {
		return err
	}
	observability.StageAdvancements.WithLabelValues(j.Type).Inc()
	l.Info("stage advanced", "next_stage", stage+1, "completed", check.Completed, "failed", check.Failed)
	return nil
}

// finalize invokes the workflow's finalize step over the full task history
// and moves the job to its terminal success status. COMPLETED_WITH_ERRORS
// when any task anywhere in the job failed terminally.
func (m *CoreMachine) finalize(ctx context.Context, j *job.Job, stage int, check job.StageCheck) error {
	l := m.logger.With("job_id", j.ID, "job_type", j.Type)

	def, err := m.workflows.Get(j.Type)
	if err != nil {
		return err
	}
	tasks, err := m.store.ListJobTasks(ctx, j.ID)
	if err != nil {
		return err
	}

	stageResults := job.StageResults{}
	for k, v := range j.StageResults {
		stageResults[k] = v
	}
	stageResults.Set(stage, check.Results)

	resultData, err := def.Finalize(workflow.FinalizeContext{
		JobID:        j.ID,
		Parameters:   j.Parameters,
		StageResults: stageResults,
		Tasks:        tasks,
	})
	if err != nil {
		l.Error("finalize failed, failing job", "error", err)
		return m.store.FailJob(ctx, j.ID, stage, fmt.Sprintf("finalize: %v", err))
	}

	withErrors := false
	for _, t := range tasks {
		if t.Status == job.TaskFailed {
			withErrors = true
			break
		}
	}
	if err := m.store.CompleteJob(ctx, j.ID, stage, check.Results, resultData, withErrors); err != nil {
		return err
	}

	status := job.StatusCompleted
	if withErrors {
		status = job.StatusCompletedWithErrors
	}
	observability.JobsFinished.WithLabelValues(j.Type, string(status)).Inc()
	l.Info("job finalized", "status", status, "tasks", len(tasks))
	return nil
}
