package job

import "time"

type Status string
type TaskStatus string

const (
	StatusQueued              Status = "QUEUED"
	StatusProcessing          Status = "PROCESSING"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
)

const (
	TaskQueued     TaskStatus = "QUEUED"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// jobTransitions encodes the job state machine. The PROCESSING -> QUEUED
// edge exists only for stage advancement: the job is parked QUEUED right
// before the next-stage message is published so that consuming that message
// is the single trigger for re-entering PROCESSING.
var jobTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusQueued, StatusCompleted, StatusFailed, StatusCompletedWithErrors},
}

// taskTransitions encodes the task state machine. FAILED -> QUEUED is the
// retry edge; QUEUED -> FAILED covers rejection before any attempt ran.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:     {TaskProcessing, TaskFailed},
	TaskProcessing: {TaskCompleted, TaskFailed, TaskQueued},
	TaskFailed:     {TaskQueued},
}

func ValidTransition(from, to Status) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidTaskTransition(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a job status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompletedWithErrors
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Result is one task's result payload as reported by its handler, or a
// failure record for tasks that exhausted their retries.
type Result map[string]any

// StageResults maps a stage number (as a decimal string, since it lives in
// JSON) to the ordered results of that stage's tasks.
type StageResults map[string][]Result

type Job struct {
	ID           string         `json:"job_id"`
	Type         string         `json:"job_type"`
	Status       Status         `json:"status"`
	Stage        int            `json:"stage"`
	TotalStages  int            `json:"total_stages"`
	Parameters   map[string]any `json:"parameters"`
	StageResults StageResults   `json:"stage_results"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FailedStage  int            `json:"failed_stage,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Task struct {
	ID           string         `json:"task_id"`
	JobID        string         `json:"job_id"`
	Type         string         `json:"task_type"`
	Stage        int            `json:"stage"`
	Status       TaskStatus     `json:"status"`
	Parameters   map[string]any `json:"parameters"`
	ResultData   Result         `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	LastPulse    *time.Time     `json:"last_pulse,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// JobMessage drives one stage of one job through the orchestrator.
type JobMessage struct {
	JobID         string         `json:"job_id"`
	JobType       string         `json:"job_type"`
	Stage         int            `json:"stage"`
	Parameters    map[string]any `json:"parameters"`
	CorrelationID string         `json:"correlation_id"`
}

// TaskMessage dispatches one task to a competing consumer.
type TaskMessage struct {
	TaskID     string         `json:"task_id"`
	JobID      string         `json:"job_id"`
	TaskType   string         `json:"task_type"`
	Stage      int            `json:"stage"`
	Parameters map[string]any `json:"parameters"`
}

// RetryOutcome is the verdict of a retry attempt against the store.
type RetryOutcome string

const (
	// RetryScheduled: the task was requeued and its retry count advanced.
	RetryScheduled RetryOutcome = "scheduled"
	// RetryExhausted: the task is still PROCESSING and its retry budget is
	// spent; the caller must finish it terminally.
	RetryExhausted RetryOutcome = "exhausted"
	// RetryLost: the task is no longer PROCESSING, so the caller lost
	// ownership (another requeue or completion got there first) and must
	// do nothing further.
	RetryLost RetryOutcome = "lost"
)

// StageCheck is the outcome of the atomic complete-task-and-check-stage
// procedure. Exactly one concurrent caller per (job, stage) ever sees
// StageComplete true.
type StageCheck struct {
	StageComplete bool
	Results       []Result
	Completed     int
	Failed        int
}
