package workflow

import (
	"context"
	"time"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

// Lifecycle constants for workflow events.
const (
	LifecycleStarted   = "started"
	LifecycleCompleted = "completed"
	LifecycleFailed    = "failed"
)

// WorkflowTopic returns the bus event type for a workflow lifecycle event.
// Format: "workflow.<workflowID>.<lifecycle>"
func WorkflowTopic(workflowID, lifecycle string) string {
	return "workflow." + workflowID + "." + lifecycle
}

// BusEmitter publishes workflow lifecycle events to an event bus, so other
// workflows can trigger on them. A nil bus makes every method a no-op.
type BusEmitter struct {
	bus      *eventbus.Bus
	serverID string
}

// NewBusEmitter creates an emitter publishing on bus as serverID.
func NewBusEmitter(bus *eventbus.Bus, serverID string) *BusEmitter {
	return &BusEmitter{bus: bus, serverID: serverID}
}

func (e *BusEmitter) publish(ctx context.Context, workflowID, lifecycle string, data map[string]any) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.EventPayload{
		EventType:    WorkflowTopic(workflowID, lifecycle),
		SourceServer: e.serverID,
		Data:         data,
	})
}

// EmitWorkflowStarted publishes a "started" lifecycle event.
func (e *BusEmitter) EmitWorkflowStarted(ctx context.Context, workflowID, executionID string, data map[string]any) {
	e.publish(ctx, workflowID, LifecycleStarted, map[string]any{
		"workflowId":  workflowID,
		"executionId": executionID,
		"status":      LifecycleStarted,
		"data":        data,
	})
}

// EmitWorkflowCompleted publishes a "completed" lifecycle event.
func (e *BusEmitter) EmitWorkflowCompleted(ctx context.Context, workflowID, executionID string, duration time.Duration, results map[string]any) {
	e.publish(ctx, workflowID, LifecycleCompleted, map[string]any{
		"workflowId":  workflowID,
		"executionId": executionID,
		"status":      LifecycleCompleted,
		"durationMs":  duration.Milliseconds(),
		"results":     results,
	})
}

// EmitWorkflowFailed publishes a "failed" lifecycle event.
func (e *BusEmitter) EmitWorkflowFailed(ctx context.Context, workflowID, executionID string, duration time.Duration, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.publish(ctx, workflowID, LifecycleFailed, map[string]any{
		"workflowId":  workflowID,
		"executionId": executionID,
		"status":      LifecycleFailed,
		"durationMs":  duration.Milliseconds(),
		"error":       msg,
	})
}
