package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rendis/agentscript/pkg/schema"
)

// maxJitter is the upper bound of the random extra delay added to
// exponential backoff, as a fraction of the computed delay.
const maxJitter = 0.2

// RetryPlan is the effective retry configuration for one step execution.
type RetryPlan struct {
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
	MaxBackoff  time.Duration
}

// PlanFor resolves the retry plan of a step under a workflow error strategy.
// FailFast and Continue run a step exactly once. Under Retry, a step-level
// RetryPolicy overrides the strategy's attempts and backoff.
func PlanFor(step schema.WorkflowStep, strategy schema.ErrorStrategy) RetryPlan {
	if strategy.Kind != schema.StrategyRetry {
		return RetryPlan{MaxAttempts: 1}
	}

	plan := RetryPlan{
		MaxAttempts: strategy.MaxAttempts,
		Backoff:     strategy.Backoff(),
		Exponential: strategy.Exponential,
	}
	if p := step.RetryPolicy; p != nil {
		plan.MaxAttempts = p.MaxAttempts
		plan.Backoff = time.Duration(p.BackoffMS) * time.Millisecond
		plan.Exponential = p.Exponential
		plan.MaxBackoff = time.Duration(p.MaxBackoffMS) * time.Millisecond
	}
	if plan.MaxAttempts < 1 {
		plan.MaxAttempts = 1
	}
	return plan
}

// ComputeBackoff returns the delay before the attempt following attempt
// (1-based). Fixed backoff always waits Backoff. Exponential backoff keeps
// the first interval at Backoff, then doubles it per attempt and adds up to
// 20% jitter. jitter returns a value in [0,1).
func ComputeBackoff(plan RetryPlan, attempt int, jitter func() float64) time.Duration {
	if plan.Backoff <= 0 {
		return 0
	}
	if !plan.Exponential || attempt <= 1 {
		return plan.Backoff
	}

	delay := plan.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if plan.MaxBackoff > 0 && delay >= plan.MaxBackoff {
			delay = plan.MaxBackoff
			break
		}
	}
	if jitter != nil {
		delay += time.Duration(float64(delay) * maxJitter * jitter())
	}
	if plan.MaxBackoff > 0 && delay > plan.MaxBackoff {
		delay = plan.MaxBackoff
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error if
// ctx is done first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError classifies whether a failed attempt may be retried.
// Runtime errors decide by code; step timeouts and network errors retry;
// workflow cancellation never does.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var rtErr *schema.RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// nonRetryablePatterns flag plain errors from tools that will fail the same
// way on every attempt.
var nonRetryablePatterns = []string{
	"permission denied",
	"invalid argument",
	"unauthorized",
	"forbidden",
}

func defaultJitter() float64 {
	return rand.Float64()
}
