package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/agentscript/pkg/schema"
)

func TestPlanFor(t *testing.T) {
	step := schema.NewStep("s", schema.ToolStep("echo", nil))

	assert.Equal(t, RetryPlan{MaxAttempts: 1}, PlanFor(step, schema.FailFast()))
	assert.Equal(t, RetryPlan{MaxAttempts: 1}, PlanFor(step, schema.ContinueOnError()))
	assert.Equal(t, RetryPlan{MaxAttempts: 3, Backoff: 10 * time.Millisecond},
		PlanFor(step, schema.Retry(3, 10*time.Millisecond)))
	assert.Equal(t, 1, PlanFor(step, schema.Retry(0, 0)).MaxAttempts)

	step.RetryPolicy = &schema.RetryPolicy{MaxAttempts: 5, BackoffMS: 20, Exponential: true, MaxBackoffMS: 100}
	assert.Equal(t, RetryPlan{MaxAttempts: 5, Backoff: 20 * time.Millisecond, Exponential: true, MaxBackoff: 100 * time.Millisecond},
		PlanFor(step, schema.Retry(2, time.Millisecond)))
	assert.Equal(t, 1, PlanFor(step, schema.FailFast()).MaxAttempts, "step policy never overrides FailFast")
}

func TestComputeBackoff(t *testing.T) {
	fixed := RetryPlan{MaxAttempts: 5, Backoff: 10 * time.Millisecond}
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 10*time.Millisecond, ComputeBackoff(fixed, attempt, nil))
	}

	exp := RetryPlan{MaxAttempts: 5, Backoff: 10 * time.Millisecond, Exponential: true}
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(exp, 1, func() float64 { return 0.99 }), "first interval matches backoff")
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(exp, 2, func() float64 { return 0 }))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(exp, 3, func() float64 { return 0 }))
	assert.Equal(t, 48*time.Millisecond, ComputeBackoff(exp, 3, func() float64 { return 1 }))

	capped := exp
	capped.MaxBackoff = 25 * time.Millisecond
	assert.Equal(t, 25*time.Millisecond, ComputeBackoff(capped, 4, func() float64 { return 0.5 }))

	assert.Zero(t, ComputeBackoff(RetryPlan{MaxAttempts: 3}, 2, nil))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))
	assert.NoError(t, WaitForBackoff(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Second), context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, WaitForBackoff(ctx, 0), context.Canceled)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"tool unavailable", schema.NewError(schema.ErrCodeToolUnavailable, "nope"), false},
		{"execution", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"permission text", errors.New("open /x: permission denied"), false},
		{"plain", errors.New("flaky"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
