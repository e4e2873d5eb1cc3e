package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/qmuntal/stateless"
)

// Status is the lifecycle state of an execution or action execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

const (
	triggerStart    = "start"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerCancel   = "cancel"
	triggerSkip     = "skip"
)

// newStatusMachine builds pending -> running -> {completed|failed|cancelled}
// with skip, cancel and fail also allowed straight from pending. Terminal
// states permit nothing.
func newStatusMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StatusPending)
	sm.Configure(StatusPending).
		Permit(triggerStart, StatusRunning).
		Permit(triggerSkip, StatusSkipped).
		Permit(triggerCancel, StatusCancelled).
		Permit(triggerFail, StatusFailed)
	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCancel, StatusCancelled)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusFailed)
	sm.Configure(StatusCancelled)
	sm.Configure(StatusSkipped)
	return sm
}

func fire(sm *stateless.StateMachine, trigger string) (Status, error) {
	if err := sm.Fire(trigger); err != nil {
		return currentStatus(sm), err
	}
	return currentStatus(sm), nil
}

func currentStatus(sm *stateless.StateMachine) Status {
	return sm.MustState().(Status)
}

// ErrorCode classifies an ExecutionError.
type ErrorCode string

const (
	CodeAuthorization    ErrorCode = "AUTHORIZATION_FAILED"
	CodeActionFailed     ErrorCode = "ACTION_FAILED"
	CodeActionTimeout    ErrorCode = "ACTION_TIMEOUT"
	CodeWorkflowTimeout  ErrorCode = "WORKFLOW_TIMEOUT"
	CodeConditionError   ErrorCode = "CONDITION_ERROR"
	CodeHandlerNotFound  ErrorCode = "HANDLER_NOT_FOUND"
	CodeInvalidReference ErrorCode = "INVALID_ACTION_REFERENCE"
	CodePipelineLoop     ErrorCode = "PIPELINE_LOOP"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeWorkflowDisabled ErrorCode = "WORKFLOW_DISABLED"
)

// ExecutionError is the structured record of a failure.
type ExecutionError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	ActionID  string    `json:"actionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *ExecutionError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("%s: action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LogEntry is one append-only execution log line.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	ActionID  string         `json:"actionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionContext is the scope shared by every action of one execution.
type ExecutionContext struct {
	ProgramID  string         `json:"programId,omitempty"`
	DocumentID string         `json:"documentId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Variables  map[string]any `json:"variables"`
	// Outputs holds each completed action's output keyed by action id.
	Outputs map[string]any `json:"outputs"`
}

// OutputVariables is the output key whose map value a handler uses to set
// execution variables. The executor merges it and drops it from the output.
const OutputVariables = "_variables"

// Scope is the lookup root for templates, run-conditions and transforms.
// Variables are also reachable at the top level.
func (c ExecutionContext) Scope() map[string]any {
	scope := make(map[string]any, len(c.Variables)+5)
	for k, v := range c.Variables {
		scope[k] = v
	}
	scope["variables"] = c.Variables
	scope["steps"] = c.Outputs
	scope["programId"] = c.ProgramID
	scope["documentId"] = c.DocumentID
	scope["userId"] = c.UserID
	return scope
}

// clone copies the context down to its leaves, so a handler that outlives
// its action cannot change what later actions read.
func (c ExecutionContext) clone() ExecutionContext {
	c.Variables = cloneMap(c.Variables)
	c.Outputs = cloneMap(c.Outputs)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// ActionExecution records one action invocation, including its retries.
type ActionExecution struct {
	ID         string          `json:"id"`
	ActionID   string          `json:"actionId"`
	ActionType ActionType      `json:"actionType"`
	Status     Status          `json:"status"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`
	RetryCount int             `json:"retryCount"`
	Attempts   int             `json:"attempts"`
}

// WorkflowExecution records one run of a workflow.
type WorkflowExecution struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflowId"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
	TriggeredBy string            `json:"triggeredBy,omitempty"`
	TriggerType TriggerType       `json:"triggerType"`
	EventType   string            `json:"eventType,omitempty"`
	Context     ExecutionContext  `json:"context"`
	Actions     []ActionExecution `json:"actions"`
	Error       *ExecutionError   `json:"error,omitempty"`
	Logs        []LogEntry        `json:"logs"`
}

// Clone returns a deep enough copy for readers outside the executor.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	out := *e
	out.Context = e.Context.clone()
	out.Actions = slices.Clone(e.Actions)
	out.Logs = slices.Clone(e.Logs)
	if e.EndTime != nil {
		t := *e.EndTime
		out.EndTime = &t
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return &out
}

// Duration returns the elapsed run time, up to now for unfinished runs.
func (e *WorkflowExecution) Duration(now time.Time) time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return now.Sub(e.StartTime)
}
