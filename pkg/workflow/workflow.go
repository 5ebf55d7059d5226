// Package workflow defines the declarative workflow contract consumed by
// the orchestrator: an ordered stage list per job type, a task factory per
// stage, and a finalize step. Definitions carry no orchestration logic.
package workflow

import (
	"errors"
	"fmt"
	"sync"

	"geoflow/pkg/job"
)

type Parallelism string

const (
	// Single stages know their task list at orchestration time.
	Single Parallelism = "single"
	// FanOut stages derive their task list from the previous stage's
	// results.
	FanOut Parallelism = "fan_out"
	// FanIn stages always run exactly one aggregation task, synthesized by
	// the orchestrator; the definition's task factory is not consulted.
	FanIn Parallelism = "fan_in"
)

type StageDef struct {
	Name        string
	TaskType    string
	Parallelism Parallelism
}

// TaskSpec is one task to create, as returned by a definition's task
// factory. TaskID must be a deterministic identity hash so that redelivered
// stage messages recreate the same tasks instead of duplicates.
type TaskSpec struct {
	TaskID     string
	TaskType   string
	Parameters map[string]any
	Metadata   map[string]string
}

// FinalizeContext hands the finalize step everything the job produced.
type FinalizeContext struct {
	JobID        string
	Parameters   map[string]any
	StageResults job.StageResults
	Tasks        []job.Task
}

type Definition interface {
	Type() string
	Stages() []StageDef

	// ValidateParameters checks and normalizes raw submission parameters.
	// The returned map is what gets hashed into the job ID and persisted.
	ValidateParameters(raw map[string]any) (map[string]any, error)

	// CreateTasks returns the task batch for a stage. For fan_out stages
	// previousResults holds the results of the preceding stage; for single
	// stages it is nil. Never called for fan_in stages.
	CreateTasks(stage int, jobID string, params map[string]any, previousResults []job.Result) ([]TaskSpec, error)

	// Finalize computes the job's result_data from the full task history.
	Finalize(fc FinalizeContext) (map[string]any, error)
}

var ErrUnknownWorkflow = errors.New("unknown workflow type")

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type()] = d
}

func (r *Registry) Get(jobType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, jobType)
	}
	return d, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
