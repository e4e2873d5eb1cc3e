// Package store persists workflow execution history.
package store

import (
	"context"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// ExecutionStore keeps execution snapshots. Save is called by the executor at
// every status change, so a later Save of the same id replaces the earlier
// snapshot.
type ExecutionStore interface {
	workflow.Recorder
	// Get returns the latest snapshot of an execution.
	Get(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	// ListByWorkflow returns a workflow's executions, newest first. A limit
	// of zero or less returns all retained executions.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*workflow.WorkflowExecution, error)
}

// DefaultMaxPerWorkflow is how many executions per workflow are retained
// unless overridden.
const DefaultMaxPerWorkflow = 500
