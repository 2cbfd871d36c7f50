package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/agentscript/pkg/schema"
)

func TestErrorHandler_HandleStepFailure(t *testing.T) {
	failed := func(attempts int, code string) schema.StepResult {
		return schema.StepResult{Status: schema.StepStatusFailed, Attempts: attempts, Error: "x", ErrorCode: code}
	}
	retry := schema.Retry(3, time.Millisecond)
	failFast := schema.FailFast()
	cont := schema.ContinueOnError()

	tests := []struct {
		name     string
		handler  ErrorHandler
		result   schema.StepResult
		strategy *schema.ErrorStrategy
		want     ErrorAction
	}{
		{"success continues", ErrorHandler{}, schema.StepResult{Success: true}, &failFast, ContinueToNext},
		{"skipped continues", ErrorHandler{}, schema.StepResult{Status: schema.StepStatusSkipped}, nil, ContinueToNext},
		{"nil strategy is fail fast", ErrorHandler{}, failed(1, ""), nil, StopWorkflow},
		{"fail fast stops", ErrorHandler{}, failed(1, schema.ErrCodeExecution), &failFast, StopWorkflow},
		{"continue", ErrorHandler{}, failed(1, schema.ErrCodeExecution), &cont, ContinueToNext},
		{"retry with attempts left", ErrorHandler{}, failed(1, schema.ErrCodeExecution), &retry, RetryStep},
		{"retry exhausted stops", ErrorHandler{}, failed(3, schema.ErrCodeExecution), &retry, StopWorkflow},
		{"retry exhausted with continue_on_error", ErrorHandler{ContinueOnError: true}, failed(3, schema.ErrCodeExecution), &retry, ContinueToNext},
		{"validation never retried", ErrorHandler{}, failed(1, schema.ErrCodeValidation), &retry, StopWorkflow},
		{"cancelled never retried", ErrorHandler{}, schema.StepResult{Status: schema.StepStatusCancelled, Attempts: 1}, &retry, StopWorkflow},
		{"fail fast with continue_on_error", ErrorHandler{ContinueOnError: true}, failed(1, ""), &failFast, ContinueToNext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.handler.HandleStepFailure(tt.result, tt.strategy))
		})
	}
}

func TestErrorAction_String(t *testing.T) {
	assert.Equal(t, "stop_workflow", StopWorkflow.String())
	assert.Equal(t, "continue_to_next", ContinueToNext.String())
	assert.Equal(t, "retry_step", RetryStep.String())
	assert.True(t, ErrorHandler{}.ShouldStop(schema.StepResult{Status: schema.StepStatusFailed, Attempts: 1}, nil))
}
