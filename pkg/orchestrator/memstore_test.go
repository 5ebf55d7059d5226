package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geoflow/pkg/job"
)

// memStore implements orchestrator.Store in memory with the same guarded
// transitions and atomic completion semantics as the real store; a single
// mutex stands in for the advisory-lock transaction. Outbox messages are
// collected instead of relayed.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	tasks     map[string]*job.Task
	taskOrder map[string][]string // jobID:stage -> creation order
	jobMsgs   []job.JobMessage
	taskMsgs  []job.TaskMessage
	advances  int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*job.Job),
		tasks:     make(map[string]*job.Task),
		taskOrder: make(map[string][]string),
	}
}

func stageKey(jobID string, stage int) string {
	return fmt.Sprintf("%s:%d", jobID, stage)
}

func (s *memStore) CreateJobIdempotent(ctx context.Context, j *job.Job, msg job.JobMessage) (bool, *job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[j.ID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *j
	if cp.StageResults == nil {
		cp.StageResults = job.StageResults{}
	}
	s.jobs[j.ID] = &cp
	s.jobMsgs = append(s.jobMsgs, msg)
	return true, nil, nil
}

func (s *memStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) MarkJobProcessing(ctx context.Context, jobID string, stage int) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != job.StatusQueued || j.Stage != stage {
		return nil, nil
	}
	j.Status = job.StatusProcessing
	cp := *j
	return &cp, nil
}

func (s *memStore) AdvanceJobStage(ctx context.Context, jobID string, fromStage int, results []job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != job.StatusProcessing || j.Stage != fromStage {
		return fmt.Errorf("advance job %s from stage %d: invalid transition", jobID, fromStage)
	}
	j.StageResults.Set(fromStage, results)
	j.Stage = fromStage + 1
	j.Status = job.StatusQueued
	s.advances++
	s.jobMsgs = append(s.jobMsgs, job.JobMessage{
		JobID:      jobID,
		JobType:    j.Type,
		Stage:      j.Stage,
		Parameters: j.Parameters,
	})
	return nil
}

func (s *memStore) CompleteJob(ctx context.Context, jobID string, stage int, results []job.Result, resultData map[string]any, withErrors bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != job.StatusProcessing || j.Stage != stage || stage != j.TotalStages {
		return fmt.Errorf("complete job %s at stage %d: invalid transition", jobID, stage)
	}
	j.StageResults.Set(stage, results)
	j.ResultData = resultData
	if withErrors {
		j.Status = job.StatusCompletedWithErrors
	} else {
		j.Status = job.StatusCompleted
	}
	return nil
}

func (s *memStore) FailJob(ctx context.Context, jobID string, stage int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || (j.Status != job.StatusQueued && j.Status != job.StatusProcessing) {
		return fmt.Errorf("fail job %s: invalid transition", jobID)
	}
	j.Status = job.StatusFailed
	j.ErrorMessage = reason
	j.FailedStage = stage
	return nil
}

func (s *memStore) CreateTasks(ctx context.Context, tasks []job.Task, msgs []job.TaskMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range tasks {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		cp := t
		s.tasks[t.ID] = &cp
		key := stageKey(t.JobID, t.Stage)
		s.taskOrder[key] = append(s.taskOrder[key], t.ID)
		s.taskMsgs = append(s.taskMsgs, msgs[i])
	}
	return nil
}

func (s *memStore) ClaimTask(ctx context.Context, taskID string) (*job.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != job.TaskQueued {
		return nil, nil
	}
	t.Status = job.TaskProcessing
	now := time.Now()
	t.LastPulse = &now
	cp := *t
	return &cp, nil
}

func (s *memStore) CompleteTaskAndCheckStage(ctx context.Context, taskID, jobID string, stage int, status job.TaskStatus, result job.Result, errMsg string) (job.StageCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var check job.StageCheck
	if !status.Terminal() {
		return check, fmt.Errorf("non-terminal status %s", status)
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return check, fmt.Errorf("task %s not found", taskID)
	}
	if t.Status.Terminal() {
		// Duplicate delivery: no-op, never reports completion again.
		return check, nil
	}
	t.Status = status
	t.ResultData = result
	t.ErrorMessage = errMsg

	for _, id := range s.taskOrder[stageKey(jobID, stage)] {
		if !s.tasks[id].Status.Terminal() {
			return check, nil
		}
	}
	for _, id := range s.taskOrder[stageKey(jobID, stage)] {
		st := s.tasks[id]
		if st.Status == job.TaskCompleted {
			check.Completed++
			check.Results = append(check.Results, st.ResultData)
		} else {
			check.Failed++
			check.Results = append(check.Results, job.Result{
				"task_id":   st.ID,
				"task_type": st.Type,
				"failed":    true,
				"error":     st.ErrorMessage,
			})
		}
	}
	check.StageComplete = true
	return check, nil
}

func (s *memStore) RetryTask(ctx context.Context, taskID, errMsg string) (int, job.RetryOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, job.RetryLost, fmt.Errorf("task %s not found", taskID)
	}
	if t.Status != job.TaskProcessing {
		return t.RetryCount, job.RetryLost, nil
	}
	if t.RetryCount >= t.MaxRetries {
		return t.RetryCount, job.RetryExhausted, nil
	}
	t.RetryCount++
	t.Status = job.TaskQueued
	t.ErrorMessage = errMsg
	return t.RetryCount, job.RetryScheduled, nil
}

func (s *memStore) ListJobTasks(ctx context.Context, jobID string) ([]job.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	var tasks []job.Task
	for stage := 1; stage <= j.TotalStages; stage++ {
		for _, id := range s.taskOrder[stageKey(jobID, stage)] {
			tasks = append(tasks, *s.tasks[id])
		}
	}
	return tasks, nil
}

func (s *memStore) Pulse(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.Status == job.TaskProcessing {
		now := time.Now()
		t.LastPulse = &now
	}
	return nil
}

func (s *memStore) task(id string) job.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memStore) stageTaskIDs(jobID string, stage int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.taskOrder[stageKey(jobID, stage)]...)
}

func (s *memStore) popJobMsg() (job.JobMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobMsgs) == 0 {
		return job.JobMessage{}, false
	}
	msg := s.jobMsgs[0]
	s.jobMsgs = s.jobMsgs[1:]
	return msg, true
}

func (s *memStore) popTaskMsg() (job.TaskMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.taskMsgs) == 0 {
		return job.TaskMessage{}, false
	}
	msg := s.taskMsgs[0]
	s.taskMsgs = s.taskMsgs[1:]
	return msg, true
}

// memChannel records delayed retry publications and feeds them back to the
// drain loop as immediate redeliveries.
type memChannel struct {
	mu      sync.Mutex
	retries []retryPublish
	pending []job.TaskMessage
}

type retryPublish struct {
	msg   job.TaskMessage
	delay time.Duration
}

func (c *memChannel) PublishTaskRetry(ctx context.Context, msg job.TaskMessage, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries = append(c.retries, retryPublish{msg: msg, delay: delay})
	c.pending = append(c.pending, msg)
	return nil
}

func (c *memChannel) popPending() (job.TaskMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return job.TaskMessage{}, false
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, true
}

func (c *memChannel) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.retries))
	for i, r := range c.retries {
		out[i] = r.delay
	}
	return out
}
