package interfaces

import (
	"context"
	"time"
)

// EventEmitter publishes workflow lifecycle events.
// *workflow.BusEmitter satisfies this interface.
// All methods must be safe to call when no event bus is configured (no-ops).
type EventEmitter interface {
	EmitWorkflowStarted(ctx context.Context, workflowID, executionID string, data map[string]any)
	EmitWorkflowCompleted(ctx context.Context, workflowID, executionID string, duration time.Duration, results map[string]any)
	EmitWorkflowFailed(ctx context.Context, workflowID, executionID string, duration time.Duration, err error)
}

// MetricsRecorder records workflow execution metrics.
// *metrics.Collector satisfies this interface.
// All methods must be safe to call when no metrics backend is configured (no-ops).
type MetricsRecorder interface {
	RecordWorkflowExecution(workflowID, status string)
	RecordWorkflowDuration(workflowID string, duration time.Duration)
	RecordActionExecution(workflowID, actionType, status string)
	RecordActionRetry(workflowID, actionID string)
}
