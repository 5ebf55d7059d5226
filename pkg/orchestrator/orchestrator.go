// Package orchestrator implements the CoreMachine: the stateless message
// handlers that turn workflow definitions into task batches, drive the
// atomic completion protocol, and decide when stages and jobs finish. No
// job or task state survives a message boundary in memory; the durable
// store is the single source of truth.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"geoflow/pkg/handler"
	"geoflow/pkg/job"
	"geoflow/pkg/workflow"
)

// Store is the durable-store surface the CoreMachine drives. Implemented
// by *database.Client.
type Store interface {
	CreateJobIdempotent(ctx context.Context, j *job.Job, msg job.JobMessage) (created bool, existing *job.Job, err error)
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	MarkJobProcessing(ctx context.Context, jobID string, stage int) (*job.Job, error)
	AdvanceJobStage(ctx context.Context, jobID string, fromStage int, results []job.Result) error
	CompleteJob(ctx context.Context, jobID string, stage int, results []job.Result, resultData map[string]any, withErrors bool) error
	FailJob(ctx context.Context, jobID string, stage int, reason string) error

	CreateTasks(ctx context.Context, tasks []job.Task, msgs []job.TaskMessage) error
	ClaimTask(ctx context.Context, taskID string) (*job.Task, error)
	CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, status job.TaskStatus, result job.Result, errMsg string) (job.StageCheck, error)
	RetryTask(ctx context.Context, taskID, errMsg string) (attempt int, outcome job.RetryOutcome, err error)
	ListJobTasks(ctx context.Context, jobID string) ([]job.Task, error)
	Pulse(ctx context.Context, taskID string) error
}

// Channel is the broker surface the CoreMachine publishes retries through.
// Everything else it publishes goes via the store's transactional outbox.
type Channel interface {
	PublishTaskRetry(ctx context.Context, msg job.TaskMessage, delay time.Duration) error
}

type Config struct {
	// BaseRetryDelay seeds the base * 2^(attempt-1) backoff schedule.
	BaseRetryDelay time.Duration
	// MaxRetries is the default per-task retry budget.
	MaxRetries int
	// RetrySteps caps the backoff exponent at the deepest delay queue the
	// broker topology declares.
	RetrySteps int
}

type CoreMachine struct {
	store     Store
	channel   Channel
	workflows *workflow.Registry
	handlers  *handler.Registry
	cfg       Config
	logger    *slog.Logger
}

func New(store Store, channel Channel, workflows *workflow.Registry, handlers *handler.Registry, cfg Config, logger *slog.Logger) *CoreMachine {
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetrySteps <= 0 {
		cfg.RetrySteps = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CoreMachine{
		store:     store,
		channel:   channel,
		workflows: workflows,
		handlers:  handlers,
		cfg:       cfg,
		logger:    logger,
	}
}
