package job_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"geoflow/pkg/job"
)

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		from, to job.Status
		valid    bool
	}{
		{job.StatusQueued, job.StatusProcessing, true},
		{job.StatusQueued, job.StatusFailed, true}, // early failure before processing began
		{job.StatusProcessing, job.StatusQueued, true}, // stage-advancement re-entry
		{job.StatusProcessing, job.StatusCompleted, true},
		{job.StatusProcessing, job.StatusFailed, true},
		{job.StatusProcessing, job.StatusCompletedWithErrors, true},

		{job.StatusProcessing, job.StatusProcessing, false},
		{job.StatusQueued, job.StatusCompleted, false},
		{job.StatusCompleted, job.StatusProcessing, false},
		{job.StatusFailed, job.StatusQueued, false},
		{job.StatusCompletedWithErrors, job.StatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, job.ValidTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to job.TaskStatus
		valid    bool
	}{
		{job.TaskQueued, job.TaskProcessing, true},
		{job.TaskQueued, job.TaskFailed, true}, // rejected at enqueue time
		{job.TaskProcessing, job.TaskCompleted, true},
		{job.TaskProcessing, job.TaskFailed, true},
		{job.TaskProcessing, job.TaskQueued, true}, // retry reset
		{job.TaskFailed, job.TaskQueued, true},     // retry path

		{job.TaskCompleted, job.TaskProcessing, false},
		{job.TaskCompleted, job.TaskQueued, false},
		{job.TaskQueued, job.TaskCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, job.ValidTaskTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, job.StatusQueued.Terminal())
	assert.False(t, job.StatusProcessing.Terminal())
	assert.True(t, job.StatusCompleted.Terminal())
	assert.True(t, job.StatusFailed.Terminal())
	assert.True(t, job.StatusCompletedWithErrors.Terminal())

	assert.False(t, job.TaskQueued.Terminal())
	assert.False(t, job.TaskProcessing.Terminal())
	assert.True(t, job.TaskCompleted.Terminal())
	assert.True(t, job.TaskFailed.Terminal())
}

func TestStageResults(t *testing.T) {
	sr := job.StageResults{}
	sr.Set(1, []job.Result{{"scenes": []any{"a", "b"}}})
	sr.Set(2, []job.Result{{"scene": "a"}, {"scene": "b"}})

	assert.Len(t, sr.Stage(2), 2)
	assert.Nil(t, sr.Stage(3))
	assert.True(t, sr.Contiguous(2))
	assert.False(t, sr.Contiguous(3))

	var empty job.StageResults
	assert.Nil(t, empty.Stage(1))
}
