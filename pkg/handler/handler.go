// Package handler defines the task-handler contract and registry. Handlers
// hold the actual ETL logic; the orchestrator treats them as opaque and
// only ever reads their returned Result.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Result is the only channel through which a handler communicates its
// outcome. Handlers never mutate job or task records directly.
type Result struct {
	Success   bool
	Data      map[string]any
	Error     string
	ErrorType string
}

func OK(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

func Failed(errorType string, err error) Result {
	return Result{Success: false, Error: err.Error(), ErrorType: errorType}
}

// TaskContext is passed to handlers alongside their parameters. Pulse
// refreshes the task's heartbeat; long-running handlers should call it
// periodically so the reaper does not mistake them for dead.
type TaskContext struct {
	JobID  string
	TaskID string
	Stage  int
	Logger *slog.Logger

	pulse func(ctx context.Context) error
}

func NewTaskContext(jobID, taskID string, stage int, logger *slog.Logger, pulse func(ctx context.Context) error) *TaskContext {
	return &TaskContext{JobID: jobID, TaskID: taskID, Stage: stage, Logger: logger, pulse: pulse}
}

func (tc *TaskContext) Pulse(ctx context.Context) error {
	if tc.pulse == nil {
		return nil
	}
	return tc.pulse(ctx)
}

// Func executes one task. Implementations must be idempotent with respect
// to duplicate delivery.
type Func func(ctx context.Context, params map[string]any, tc *TaskContext) Result

var ErrUnknownHandler = errors.New("unknown task type")

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

func (r *Registry) Register(taskType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = fn
}

func (r *Registry) Get(taskType string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, taskType)
	}
	return fn, nil
}
