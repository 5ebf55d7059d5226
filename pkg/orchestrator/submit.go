package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"geoflow/pkg/identity"
	"geoflow/pkg/job"
	"geoflow/pkg/observability"
)

// ValidationError marks submission parameters the workflow rejected.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Submit validates the parameters, derives the deterministic job ID and
// creates the job together with its initial stage-1 message. Resubmission
// with identical parameters returns the existing job and created=false;
// nothing is re-executed.
func (m *CoreMachine) Submit(ctx context.Context, jobType string, raw map[string]any) (*job.Job, bool, error) {
	def, err := m.workflows.Get(jobType)
	if err != nil {
		return nil, false, err
	}
	params, err := def.ValidateParameters(raw)
	if err != nil {
		return nil, false, &ValidationError{Err: fmt.Errorf("validate %s parameters: %w", jobType, err)}
	}

	id := identity.JobID(jobType, params)
	j := &job.Job{
		ID:          id,
		Type:        jobType,
		Status:      job.StatusQueued,
		Stage:       1,
		TotalStages: len(def.Stages()),
		Parameters:  params,
	}
	msg := job.JobMessage{
		JobID:         id,
		JobType:       jobType,
		Stage:         1,
		Parameters:    params,
		CorrelationID: uuid.NewString(),
	}

	created, existing, err := m.store.CreateJobIdempotent(ctx, j, msg)
	if err != nil {
		return nil, false, err
	}
	if !created {
		observability.JobsSubmitted.WithLabelValues(jobType, "true").Inc()
		m.logger.Info("duplicate submission, returning existing job", "job_id", id, "job_type", jobType, "status", existing.Status)
		return existing, false, nil
	}
	observability.JobsSubmitted.WithLabelValues(jobType, "false").Inc()
	m.logger.Info("job submitted", "job_id", id, "job_type", jobType, "total_stages", j.TotalStages)
	return j, true, nil
}
