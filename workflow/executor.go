package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/interfaces"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("workflow: execution not found")

// Authorizer decides whether a user meets a workflow's role requirements.
// *rbac.RoleManager satisfies this interface.
type Authorizer interface {
	MeetsRequirements(userID string, reqs []rbac.RoleRequirement, programID string) bool
}

// Recorder persists execution snapshots. Save is called on every status
// change.
type Recorder interface {
	Save(ctx context.Context, exec *WorkflowExecution) error
}

// Notification is an error or action notification.
type Notification struct {
	Recipients []string       `json:"recipients"`
	Channel    string         `json:"channel,omitempty"`
	Subject    string         `json:"subject"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// TriggerContext describes what started an execution.
type TriggerContext struct {
	TriggeredBy string
	Type        TriggerType
	Event       *eventbus.EventPayload
	ProgramID   string
	DocumentID  string
	Variables   map[string]any
}

const (
	defaultMaxTransitions = 1000
	defaultRetention      = 1000
)

type run struct {
	mu        sync.Mutex
	fsm       *stateless.StateMachine
	exec      *WorkflowExecution
	cancel    context.CancelFunc
	cancelled bool
}

// Executor runs workflow definitions. Executions are independent; actions
// within one execution run sequentially.
type Executor struct {
	handlers       *HandlerRegistry
	authz          Authorizer
	recorder       Recorder
	notifier       Notifier
	metrics        interfaces.MetricsRecorder
	emitter        interfaces.EventEmitter
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time
	wait           func(ctx context.Context, d time.Duration) error
	maxTransitions int
	retention      int

	programs sync.Map // condition source -> *vm.Program

	mu    sync.RWMutex
	runs  map[string]*run
	order []string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAuthorizer sets the role check run before any action.
func WithAuthorizer(a Authorizer) ExecutorOption {
	return func(e *Executor) { e.authz = a }
}

// WithRecorder persists executions on every status change.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithNotifier sets the notifier used for error routing.
func WithNotifier(n Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m interfaces.MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(em interfaces.EventEmitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// WithTracerProvider sets the provider executor spans come from.
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) { e.tracer = tp.Tracer("github.com/GoCodeAlone/eventflow/workflow") }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorClock overrides the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithWaitFunc overrides how retry backoff waits.
func WithWaitFunc(wait func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.wait = wait }
}

// WithMaxTransitions caps action transitions per execution.
func WithMaxTransitions(n int) ExecutorOption {
	return func(e *Executor) { e.maxTransitions = n }
}

// WithRetention caps how many finished executions are kept in memory.
func WithRetention(n int) ExecutorOption {
	return func(e *Executor) { e.retention = n }
}

// NewExecutor creates an executor dispatching actions through handlers.
func NewExecutor(handlers *HandlerRegistry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handlers:       handlers,
		tracer:         otel.Tracer("github.com/GoCodeAlone/eventflow/workflow"),
		logger:         slog.Default(),
		now:            time.Now,
		wait:           sleepCtx,
		maxTransitions: defaultMaxTransitions,
		retention:      defaultRetention,
		runs:           make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs def synchronously and returns the final execution record.
// Failures are captured in the record; the error is non-nil only when def
// is nil.
func (e *Executor) Execute(ctx context.Context, def *WorkflowDefinition, tc TriggerContext) (*WorkflowExecution, error) {
	if def == nil {
		return nil, errors.New("workflow: nil definition")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		fsm:    newStatusMachine(),
		exec:   e.newExecution(def, tc),
		cancel: cancel,
	}
	e.track(r)

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("workflow.execution_id", r.exec.ID),
		attribute.String("workflow.trigger", string(tc.Type)),
	))
	defer span.End()

	logger := e.logger.With("workflow", def.ID, "execution", r.exec.ID)
	e.save(ctx, r)

	if !def.Enabled {
		e.transition(r, triggerSkip, &ExecutionError{Code: CodeWorkflowDisabled, Message: "workflow is disabled"})
		logger.Info("Workflow skipped", "reason", "disabled")
		e.save(ctx, r)
		return e.snapshot(r), nil
	}

	if e.authz != nil && len(def.Roles) > 0 &&
		!e.authz.MeetsRequirements(tc.TriggeredBy, def.Roles, r.exec.Context.ProgramID) {
		xerr := &ExecutionError{
			Code:    CodeAuthorization,
			Message: fmt.Sprintf("user %q does not meet the role requirements", tc.TriggeredBy),
		}
		e.transition(r, triggerFail, xerr)
		logger.Warn("Workflow authorization failed", "user", tc.TriggeredBy)
		span.SetStatus(codes.Error, xerr.Message)
		e.routeError(ctx, def, r, xerr, false)
		e.finish(ctx, def, r, logger)
		return e.snapshot(r), nil
	}

	if def.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, time.Duration(def.Timeout)*time.Second)
		defer cancelTimeout()
	}

	if !e.transition(r, triggerStart, nil) {
		// Cancelled before it could start.
		e.finish(ctx, def, r, logger)
		return e.snapshot(r), nil
	}
	logger.Info("Workflow started", "trigger", tc.Type, "user", tc.TriggeredBy)
	e.save(ctx, r)
	if e.emitter != nil {
		e.emitter.EmitWorkflowStarted(ctx, def.ID, r.exec.ID, map[string]any{"triggeredBy": tc.TriggeredBy, "trigger": string(tc.Type)})
	}

	xerr := e.runPipeline(ctx, def, r, logger)
	switch {
	case xerr == nil:
		e.transition(r, triggerComplete, nil)
	case xerr.Code == CodeCancelled:
		e.transition(r, triggerCancel, xerr)
	default:
		e.transition(r, triggerFail, xerr)
		span.RecordError(xerr)
		span.SetStatus(codes.Error, xerr.Message)
		e.routeError(context.WithoutCancel(ctx), def, r, xerr, true)
	}
	def.RecordExecution(e.now())
	e.finish(ctx, def, r, logger)
	return e.snapshot(r), nil
}

func (e *Executor) newExecution(def *WorkflowDefinition, tc TriggerContext) *WorkflowExecution {
	vars := cloneMap(tc.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}
	ec := ExecutionContext{
		ProgramID:  tc.ProgramID,
		DocumentID: tc.DocumentID,
		UserID:     tc.TriggeredBy,
		Variables:  vars,
		Outputs:    make(map[string]any),
	}
	exec := &WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Status:      StatusPending,
		StartTime:   e.now(),
		TriggeredBy: tc.TriggeredBy,
		TriggerType: tc.Type,
		Actions:     []ActionExecution{},
		Logs:        []LogEntry{},
	}
	if ev := tc.Event; ev != nil {
		exec.EventType = ev.EventType
		if ec.ProgramID == "" {
			ec.ProgramID = ev.ProgramID
		}
		if ec.UserID == "" {
			ec.UserID = ev.UserID
		}
		if ec.DocumentID == "" {
			if id, ok := ev.Data["documentId"].(string); ok {
				ec.DocumentID = id
			}
		}
		for k, v := range ev.Data {
			if _, exists := vars[k]; !exists {
				vars[k] = cloneValue(v)
			}
		}
		vars["event"] = cloneMap(EventFields(*ev))
	}
	exec.Context = ec
	return exec
}

// transition fires trigger on the run's state machine and stamps the end
// time on terminal states. It reports whether the transition happened.
func (e *Executor) transition(r *run, trigger string, xerr *ExecutionError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, err := fire(r.fsm, trigger)
	if err != nil {
		return false
	}
	r.exec.Status = status
	if xerr != nil {
		if xerr.Timestamp.IsZero() {
			xerr.Timestamp = e.now()
		}
		r.exec.Error = xerr
		r.exec.Logs = append(r.exec.Logs, LogEntry{Timestamp: xerr.Timestamp, Level: "error", Message: xerr.Error(), ActionID: xerr.ActionID})
	}
	if status.Terminal() {
		end := e.now()
		r.exec.EndTime = &end
	}
	return true
}

func (e *Executor) finish(ctx context.Context, def *WorkflowDefinition, r *run, logger *slog.Logger) {
	r.mu.Lock()
	status := r.exec.Status
	duration := r.exec.Duration(e.now())
	xerr := r.exec.Error
	outputs := maps.Clone(r.exec.Context.Outputs)
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	e.save(ctx, r)

	if e.metrics != nil {
		e.metrics.RecordWorkflowExecution(def.ID, string(status))
		e.metrics.RecordWorkflowDuration(def.ID, duration)
	}
	switch status {
	case StatusCompleted:
		logger.Info("Workflow completed", "duration", duration)
		if e.emitter != nil {
			e.emitter.EmitWorkflowCompleted(ctx, def.ID, r.exec.ID, duration, outputs)
		}
	default:
		var err error
		if xerr != nil {
			err = xerr
		}
		logger.Error("Workflow ended", "status", status, "duration", duration, "error", err)
		if e.emitter != nil && err != nil {
			e.emitter.EmitWorkflowFailed(ctx, def.ID, r.exec.ID, duration, err)
		}
	}
	e.prune()
}

// runPipeline executes actions by ascending order, following onSuccess and
// onFailure jumps.
func (e *Executor) runPipeline(ctx context.Context, def *WorkflowDefinition, r *run, logger *slog.Logger) *ExecutionError {
	actions := slices.Clone(def.Actions)
	slices.SortStableFunc(actions, func(a, b Action) int { return a.Order - b.Order })
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		index[a.ID] = i
	}
	limit := e.maxTransitions
	if limit <= 0 {
		limit = defaultMaxTransitions
	}

	jump := func(from Action, target string) (int, *ExecutionError) {
		j, ok := index[target]
		if !ok {
			return 0, &ExecutionError{
				Code:     CodeInvalidReference,
				Message:  fmt.Sprintf("unknown action %q", target),
				ActionID: from.ID,
			}
		}
		return j, nil
	}

	steps := 0
	for i := 0; i < len(actions); {
		if xerr := e.interrupted(ctx, r); xerr != nil {
			return xerr
		}
		steps++
		if steps > limit {
			return &ExecutionError{Code: CodePipelineLoop, Message: fmt.Sprintf("exceeded %d action transitions", limit)}
		}

		a := actions[i]
		status, xerr := e.runAction(ctx, def, r, a, logger)
		switch status {
		case StatusSkipped:
			i++
		case StatusCompleted:
			if a.OnSuccess == "" {
				i++
				continue
			}
			j, jerr := jump(a, a.OnSuccess)
			if jerr != nil {
				return jerr
			}
			i = j
		default:
			if halt := e.interrupted(ctx, r); halt != nil {
				return halt
			}
			if !a.ContinueOnFailure {
				return xerr
			}
			logger.Warn("Action failed, continuing", "action", a.ID, "error", xerr)
			e.log(r, "warn", "action failed, continuing: "+xerr.Message, a.ID)
			if a.OnFailure == "" {
				i++
				continue
			}
			j, jerr := jump(a, a.OnFailure)
			if jerr != nil {
				return jerr
			}
			i = j
		}
	}
	return nil
}

// interrupted reports a cancellation or execution timeout observed at a
// transition boundary.
func (e *Executor) interrupted(ctx context.Context, r *run) *ExecutionError {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return &ExecutionError{Code: CodeCancelled, Message: "execution cancelled"}
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return &ExecutionError{Code: CodeWorkflowTimeout, Message: "workflow timeout exceeded"}
	case err != nil:
		return &ExecutionError{Code: CodeCancelled, Message: err.Error()}
	}
	return nil
}

// runAction runs one action with its retries and returns its final status.
func (e *Executor) runAction(ctx context.Context, def *WorkflowDefinition, r *run, a Action, logger *slog.Logger) (Status, *ExecutionError) {
	ctx, span := e.tracer.Start(ctx, "workflow.action", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.type", string(a.Type)),
	))
	defer span.End()

	idx := e.beginAction(r, a)

	if a.Condition != "" {
		ok, err := e.evalCondition(a.Condition, e.scope(r))
		if err != nil {
			xerr := &ExecutionError{Code: CodeConditionError, Message: err.Error(), ActionID: a.ID}
			e.endAction(r, idx, StatusFailed, nil, xerr)
			e.recordAction(def, a, StatusFailed)
			return StatusFailed, xerr
		}
		if !ok {
			e.endAction(r, idx, StatusSkipped, nil, nil)
			e.recordAction(def, a, StatusSkipped)
			logger.Debug("Action skipped", "action", a.ID, "condition", a.Condition)
			return StatusSkipped, nil
		}
	}

	handler, err := e.handlers.Resolve(a)
	if err != nil {
		xerr := &ExecutionError{Code: CodeHandlerNotFound, Message: err.Error(), ActionID: a.ID}
		e.endAction(r, idx, StatusFailed, nil, xerr)
		e.recordAction(def, a, StatusFailed)
		return StatusFailed, xerr
	}

	maxRetries := 0
	if a.RetryOnFailure {
		maxRetries = max(def.RetryPolicy.MaxRetries, 0)
	}

	var xerr *ExecutionError
	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		ec := r.exec.Context.clone()
		r.mu.Unlock()

		cfg := ResolveConfig(a.Config, NewTemplate(ec.Scope()))
		e.markAttempt(r, idx, attempt, cfg)

		start := time.Now()
		out, err := e.attempt(ctx, handler, a, ActionRequest{
			WorkflowID:  def.ID,
			ExecutionID: r.exec.ID,
			Action:      a,
			Config:      cfg,
			Auth:        AuthContext{UserID: ec.UserID, ProgramID: ec.ProgramID},
			Context:     ec,
			Attempt:     attempt + 1,
		})
		if err == nil {
			e.completeAction(r, idx, a, out)
			e.recordAction(def, a, StatusCompleted)
			logger.Info("Action completed", "action", a.ID, "type", a.Type, "attempts", attempt+1, "elapsed", time.Since(start))
			return StatusCompleted, nil
		}

		xerr = e.classify(ctx, a, err)
		logger.Warn("Action attempt failed", "action", a.ID, "attempt", attempt+1, "error", err)
		e.log(r, "warn", fmt.Sprintf("attempt %d failed: %v", attempt+1, err), a.ID)

		if attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		if e.metrics != nil {
			e.metrics.RecordActionRetry(def.ID, a.ID)
		}
		if werr := e.wait(ctx, def.RetryPolicy.Delay(attempt+1)); werr != nil {
			break
		}
		if e.isCancelled(r) {
			break
		}
	}

	span.RecordError(xerr)
	span.SetStatus(codes.Error, xerr.Message)
	e.endAction(r, idx, StatusFailed, nil, xerr)
	e.recordAction(def, a, StatusFailed)
	logger.Error("Action failed", "action", a.ID, "error", xerr)
	return StatusFailed, xerr
}

// attempt runs a single handler call bounded by the action timeout. A
// handler that ignores its context is abandoned when the budget runs out.
func (e *Executor) attempt(ctx context.Context, h ActionHandler, a Action, req ActionRequest) (map[string]any, error) {
	actx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, time.Duration(a.Timeout)*time.Second)
		defer cancel()
	}

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("action handler panic: %v", rec)}
			}
		}()
		out, err := h.Execute(actx, req)
		ch <- result{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

func (e *Executor) classify(ctx context.Context, a Action, err error) *ExecutionError {
	switch {
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && a.Timeout > 0:
		return &ExecutionError{Code: CodeActionTimeout, Message: fmt.Sprintf("action timed out after %ds", a.Timeout), ActionID: a.ID}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &ExecutionError{Code: CodeWorkflowTimeout, Message: "workflow timeout exceeded", ActionID: a.ID}
	}
	var xerr *ExecutionError
	if errors.As(err, &xerr) {
		out := *xerr
		if out.ActionID == "" {
			out.ActionID = a.ID
		}
		return &out
	}
	return &ExecutionError{Code: CodeActionFailed, Message: err.Error(), ActionID: a.ID}
}

func (e *Executor) evalCondition(src string, scope map[string]any) (bool, error) {
	var prog *vm.Program
	if cached, ok := e.programs.Load(src); ok {
		prog = cached.(*vm.Program)
	} else {
		compiled, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile condition: %w", err)
		}
		e.programs.Store(src, compiled)
		prog = compiled
	}
	out, err := expr.Run(prog, scope)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return b, nil
}

func (e *Executor) scope(r *run) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Context.clone().Scope()
}

func (e *Executor) beginAction(r *run, a Action) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Actions = append(r.exec.Actions, ActionExecution{
		ID:         uuid.NewString(),
		ActionID:   a.ID,
		ActionType: a.Type,
		Status:     StatusPending,
		StartTime:  e.now(),
	})
	return len(r.exec.Actions) - 1
}

func (e *Executor) markAttempt(r *run, idx, attempt int, cfg ActionConfig) {
	input := configInput(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	ae := &r.exec.Actions[idx]
	ae.Status = StatusRunning
	ae.Attempts = attempt + 1
	ae.RetryCount = attempt
	ae.Input = input
}

func (e *Executor) completeAction(r *run, idx int, a Action, out map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vars, ok := out[OutputVariables].(map[string]any); ok {
		maps.Copy(r.exec.Context.Variables, vars)
		out = maps.Clone(out)
		delete(out, OutputVariables)
	}
	if out == nil {
		out = map[string]any{}
	}
	r.exec.Context.Outputs[a.ID] = out
	ae := &r.exec.Actions[idx]
	ae.Status = StatusCompleted
	ae.Output = out
	end := e.now()
	ae.EndTime = &end
}

func (e *Executor) endAction(r *run, idx int, status Status, out map[string]any, xerr *ExecutionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ae := &r.exec.Actions[idx]
	ae.Status = status
	ae.Output = out
	if xerr != nil {
		if xerr.Timestamp.IsZero() {
			xerr.Timestamp = e.now()
		}
		ae.Error = xerr
	}
	end := e.now()
	ae.EndTime = &end
}

func (e *Executor) recordAction(def *WorkflowDefinition, a Action, status Status) {
	if e.metrics != nil {
		e.metrics.RecordActionExecution(def.ID, string(a.Type), string(status))
	}
}

func (e *Executor) log(r *run, level, msg, actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Logs = append(r.exec.Logs, LogEntry{Timestamp: e.now(), Level: level, Message: msg, ActionID: actionID})
}

func (e *Executor) isCancelled(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// routeError applies the workflow's error handling after a failure.
// Rollback only runs when actions may have had effects.
func (e *Executor) routeError(ctx context.Context, def *WorkflowDefinition, r *run, xerr *ExecutionError, ranActions bool) {
	eh := def.ErrorHandling
	switch eh.OnError {
	case OnErrorRollback:
		if ranActions {
			e.rollback(ctx, def, r)
		}
	case OnErrorNotify:
		e.notifyError(ctx, def, r, xerr)
	}
	if eh.NotifyOnError {
		e.notifyError(ctx, def, r, xerr)
	}
}

func (e *Executor) rollback(ctx context.Context, def *WorkflowDefinition, r *run) {
	actions := def.ErrorHandling.RollbackActions
	if len(actions) == 0 {
		return
	}
	e.logger.Info("Running rollback", "workflow", def.ID, "execution", r.exec.ID, "actions", len(actions))
	for _, a := range actions {
		h, err := e.handlers.Resolve(a)
		if err != nil {
			e.log(r, "error", "rollback: "+err.Error(), a.ID)
			continue
		}
		r.mu.Lock()
		ec := r.exec.Context.clone()
		r.mu.Unlock()
		cfg := ResolveConfig(a.Config, NewTemplate(ec.Scope()))
		_, err = e.attempt(ctx, h, a, ActionRequest{
			WorkflowID:  def.ID,
			ExecutionID: r.exec.ID,
			Action:      a,
			Config:      cfg,
			Auth:        AuthContext{UserID: ec.UserID, ProgramID: ec.ProgramID},
			Context:     ec,
			Attempt:     1,
		})
		if err != nil {
			e.logger.Error("Rollback action failed", "workflow", def.ID, "action", a.ID, "error", err)
			e.log(r, "error", "rollback action failed: "+err.Error(), a.ID)
			continue
		}
		e.log(r, "info", "rollback action completed", a.ID)
	}
}

func (e *Executor) notifyError(ctx context.Context, def *WorkflowDefinition, r *run, xerr *ExecutionError) {
	if e.notifier == nil || len(def.ErrorHandling.ErrorRecipients) == 0 {
		return
	}
	n := Notification{
		Recipients: def.ErrorHandling.ErrorRecipients,
		Subject:    fmt.Sprintf("Workflow %s failed", def.Label()),
		Message:    xerr.Error(),
		Data: map[string]any{
			"workflowId":  def.ID,
			"executionId": r.exec.ID,
			"code":        string(xerr.Code),
		},
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Error("Error notification failed", "workflow", def.ID, "error", err)
		e.log(r, "error", "error notification failed: "+err.Error(), "")
	}
}

// Cancel moves a non-terminal execution to cancelled. The running pipeline
// stops at its next transition boundary.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}

	r.mu.Lock()
	if r.exec.Status.Terminal() {
		status := r.exec.Status
		r.mu.Unlock()
		return fmt.Errorf("workflow: execution %s already %s", id, status)
	}
	r.cancelled = true
	r.mu.Unlock()

	e.transition(r, triggerCancel, &ExecutionError{Code: CodeCancelled, Message: "execution cancelled"})
	if r.cancel != nil {
		r.cancel()
	}
	e.save(ctx, r)
	e.logger.Info("Workflow cancelled", "execution", id)
	return nil
}

// Get returns a copy of the execution.
func (e *Executor) Get(id string) (*WorkflowExecution, bool) {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(r), true
}

// List returns copies of the executions of workflowID, newest first. An
// empty workflowID lists every execution.
func (e *Executor) List(workflowID string) []*WorkflowExecution {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		runs = append(runs, e.runs[e.order[i]])
	}
	e.mu.RUnlock()

	out := make([]*WorkflowExecution, 0, len(runs))
	for _, r := range runs {
		snap := e.snapshot(r)
		if workflowID == "" || snap.WorkflowID == workflowID {
			out = append(out, snap)
		}
	}
	return out
}

func (e *Executor) track(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[r.exec.ID] = r
	e.order = append(e.order, r.exec.ID)
}

// prune drops the oldest finished executions beyond the retention limit.
func (e *Executor) prune() {
	if e.retention <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	excess := len(e.order) - e.retention
	if excess <= 0 {
		return
	}
	kept := e.order[:0]
	for _, id := range e.order {
		r := e.runs[id]
		r.mu.Lock()
		terminal := r.exec.Status.Terminal()
		r.mu.Unlock()
		if excess > 0 && terminal {
			delete(e.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Executor) snapshot(r *run) *WorkflowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

func (e *Executor) save(ctx context.Context, r *run) {
	if e.recorder == nil {
		return
	}
	snap := e.snapshot(r)
	if err := e.recorder.Save(ctx, snap); err != nil {
		e.logger.Error("Failed to persist execution", "execution", snap.ID, "error", err)
	}
}

func configInput(cfg ActionConfig) map[string]any {
	if cfg == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
