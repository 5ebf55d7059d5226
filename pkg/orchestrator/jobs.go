package orchestrator

import (
	"context"
	"fmt"

	"geoflow/pkg/identity"
	"geoflow/pkg/job"
	"geoflow/pkg/workflow"
)

// FanInLogicalUnit is the logical-unit string for the single synthesized
// aggregation task of a fan_in stage, so its ID is derivable by anyone who
// knows the job ID and stage.
const FanInLogicalUnit = "aggregate"

// HandleJobMessage consumes one job message: it re-enters PROCESSING and
// creates the task batch for the message's stage. Validation failures fail
// the job with the reason recorded; they never silently continue. Store
// and contract errors propagate so the broker redelivers visibly.
func (m *CoreMachine) HandleJobMessage(ctx context.Context, msg job.JobMessage) error {
	l := m.logger.With("job_id", msg.JobID, "job_type", msg.JobType, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	j, err := m.store.MarkJobProcessing(ctx, msg.JobID, msg.Stage)
	if err != nil {
		return err
	}
	if j == nil {
		// The QUEUED guard also misses when a previous consumer claimed
		// the stage and crashed before creating its tasks. Task creation
		// is idempotent, so a job still PROCESSING at the message's stage
		// is resumed rather than acked away; anything else really is a
		// duplicate or stale delivery.
		cur, err := m.store.GetJob(ctx, msg.JobID)
		if err != nil {
			return err
		}
		if cur.Status != job.StatusProcessing || cur.Stage != msg.Stage {
			l.Info("job message is a duplicate or stale delivery, nothing to do")
			return nil
		}
		l.Warn("resuming interrupted stage setup")
		j = cur
	}

	specs, err := m.stageTaskSpecs(j, msg.Stage)
	if err != nil {
		l.Error("stage task creation failed, failing job", "error", err)
		return m.store.FailJob(ctx, j.ID, msg.Stage, err.Error())
	}

	tasks := make([]job.Task, 0, len(specs))
	msgs := make([]job.TaskMessage, 0, len(specs))
	for _, spec := range specs {
		tasks = append(tasks, job.Task{
			ID:         spec.TaskID,
			JobID:      j.ID,
			Type:       spec.TaskType,
			Stage:      msg.Stage,
			Status:     job.TaskQueued,
			Parameters: spec.Parameters,
			MaxRetries: m.cfg.MaxRetries,
		})
		msgs = append(msgs, job.TaskMessage{
			TaskID:     spec.TaskID,
			JobID:      j.ID,
			TaskType:   spec.TaskType,
			Stage:      msg.Stage,
			Parameters: spec.Parameters,
		})
	}

	if err := m.store.CreateTasks(ctx, tasks, msgs); err != nil {
		return err
	}
	l.Info("stage tasks created", "count", len(tasks))
	return nil
}

// stageTaskSpecs builds the task batch for a stage, dispatching on the
// declared parallelism mode.
func (m *CoreMachine) stageTaskSpecs(j *job.Job, stage int) ([]workflow.TaskSpec, error) {
	def, err := m.workflows.Get(j.Type)
	if err != nil {
		return nil, err
	}
	stages := def.Stages()
	if stage < 1 || stage > len(stages) {
		return nil, fmt.Errorf("stage %d out of range for workflow %s with %d stages", stage, j.Type, len(stages))
	}
	sd := stages[stage-1]

	var specs []workflow.TaskSpec
	switch sd.Parallelism {
	case workflow.Single:
		specs, err = def.CreateTasks(stage, j.ID, j.Parameters, nil)

	case workflow.FanOut:
		prev := j.StageResults.Stage(stage - 1)
		if prev == nil {
			return nil, fmt.Errorf("fan_out stage %d has no recorded results for stage %d", stage, stage-1)
		}
		specs, err = def.CreateTasks(stage, j.ID, j.Parameters, prev)

	case workflow.FanIn:
		// The definition never hand-writes aggregation orchestration:
		// declaring fan_in yields exactly one task carrying every
		// predecessor result plus the original submission parameters.
		prev := j.StageResults.Stage(stage - 1)
		if prev == nil {
			return nil, fmt.Errorf("fan_in stage %d has no recorded results for stage %d", stage, stage-1)
		}
		specs = []workflow.TaskSpec{{
			TaskID:   identity.TaskID(j.ID, stage, FanInLogicalUnit),
			TaskType: sd.TaskType,
			Parameters: map[string]any{
				"results":        resultsToAny(prev),
				"job_parameters": j.Parameters,
			},
		}}

	default:
		return nil, fmt.Errorf("workflow %s stage %d declares unknown parallelism %q", j.Type, stage, sd.Parallelism)
	}
	if err != nil {
		return nil, err
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("workflow %s produced no tasks for stage %d", j.Type, stage)
	}
	for _, spec := range specs {
		if spec.TaskID == "" || spec.TaskType == "" {
			return nil, fmt.Errorf("workflow %s returned a task spec without id or type for stage %d", j.Type, stage)
		}
	}
	return specs, nil
}

func resultsToAny(results []job.Result) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = map[string]any(r)
	}
	return out
}
