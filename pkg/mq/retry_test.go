package mq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"geoflow/pkg/mq"
)

func TestRetryDelay_ExponentialGrowth(t *testing.T) {
	base := 5 * time.Second

	assert.Equal(t, 5*time.Second, mq.RetryDelay(base, 1, 5))
	assert.Equal(t, 10*time.Second, mq.RetryDelay(base, 2, 5))
	assert.Equal(t, 20*time.Second, mq.RetryDelay(base, 3, 5))
	assert.Equal(t, 40*time.Second, mq.RetryDelay(base, 4, 5))

	// Successive delays strictly increase up to the step cap.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := mq.RetryDelay(base, attempt, 8)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestRetryDelay_ClampsInvalidAttempt(t *testing.T) {
	assert.Equal(t, time.Second, mq.RetryDelay(time.Second, 0, 5))
	assert.Equal(t, time.Second, mq.RetryDelay(time.Second, -3, 5))
}

func TestRetryDelay_ClampsToDeclaredSteps(t *testing.T) {
	base := 5 * time.Second

	// Attempts past the deepest declared queue reuse its delay, so every
	// published delay matches a queue SetupTopology declared.
	assert.Equal(t, mq.RetryDelay(base, 5, 5), mq.RetryDelay(base, 9, 5))
	assert.Contains(t, mq.RetrySchedule(base, 5), mq.RetryDelay(base, 9, 5))
}

func TestRetrySchedule(t *testing.T) {
	delays := mq.RetrySchedule(5*time.Second, 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, delays)
}
