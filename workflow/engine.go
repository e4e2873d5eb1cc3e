package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/scheduler"
)

var (
	// ErrWorkflowNotFound is returned for unknown workflow ids.
	ErrWorkflowNotFound = errors.New("workflow: definition not found")
	// ErrApprovalRequired is returned when a manual trigger lacks a valid
	// approver.
	ErrApprovalRequired = errors.New("workflow: approval required")
	// ErrEngineStopped is returned for triggers arriving after Stop.
	ErrEngineStopped = errors.New("workflow: engine stopped")
)

// SystemActor triggers scheduled workflows that name no creator.
const SystemActor = "system"

// Scheduler runs schedule-triggered workflows.
// *scheduler.CronScheduler satisfies this interface.
type Scheduler interface {
	Schedule(id string, spec scheduler.Spec, job scheduler.JobFunc) error
	Remove(id string) bool
}

// ApprovalChecker decides whether a user may approve workflows.
// *rbac.RoleManager satisfies this interface.
type ApprovalChecker interface {
	HasPermission(userID string, perm rbac.Permission, programID string) bool
}

// ManualRequest starts a workflow on demand.
type ManualRequest struct {
	RequestedBy string         `json:"requestedBy"`
	ApprovedBy  string         `json:"approvedBy,omitempty"`
	ProgramID   string         `json:"programId,omitempty"`
	DocumentID  string         `json:"documentId,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// Engine binds definitions to their triggers: bus subscriptions for event
// triggers, scheduler jobs for schedule triggers and TriggerManual for the
// rest.
type Engine struct {
	executor  *Executor
	bus       *eventbus.Bus
	scheduler Scheduler
	approvals ApprovalChecker
	logger    *slog.Logger

	mu        sync.RWMutex
	defs      map[string]*WorkflowDefinition
	subs      map[string]eventbus.Subscription
	scheduled map[string]struct{}
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScheduler sets the scheduler for schedule triggers.
func WithScheduler(s Scheduler) EngineOption {
	return func(e *Engine) { e.scheduler = s }
}

// WithApprovalChecker sets the permission check for approvers.
func WithApprovalChecker(c ApprovalChecker) EngineOption {
	return func(e *Engine) { e.approvals = c }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine running definitions on executor and listening
// on bus.
func NewEngine(executor *Executor, bus *eventbus.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		executor:  executor,
		bus:       bus,
		logger:    slog.Default(),
		defs:      make(map[string]*WorkflowDefinition),
		subs:      make(map[string]eventbus.Subscription),
		scheduled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Executor returns the engine's executor.
func (e *Engine) Executor() *Executor { return e.executor }

// Register adds or replaces one definition.
func (e *Engine) Register(def *WorkflowDefinition) error {
	if def == nil {
		return errors.New("workflow: nil definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.defs[def.ID]; ok {
		carryStats(prev, def)
	}
	e.defs[def.ID] = def
	if e.started {
		e.syncLocked()
	}
	e.logger.Info("Workflow registered", "workflow", def.ID, "trigger", def.Trigger.Type, "enabled", def.Enabled)
	return nil
}

// Unregister removes a definition and its trigger bindings.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.defs[id]; !ok {
		return false
	}
	delete(e.defs, id)
	if e.started {
		e.syncLocked()
	}
	e.logger.Info("Workflow unregistered", "workflow", id)
	return true
}

// Replace swaps the whole definition set. Nothing changes if any definition
// is invalid. Counters carry over for ids present in both sets.
func (e *Engine) Replace(defs []*WorkflowDefinition) error {
	next := make(map[string]*WorkflowDefinition, len(defs))
	var errs []error
	for _, d := range defs {
		if d == nil {
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := next[d.ID]; dup {
			errs = append(errs, fmt.Errorf("workflow %q: duplicate id", d.ID))
			continue
		}
		next[d.ID] = d
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range next {
		if prev, ok := e.defs[id]; ok {
			carryStats(prev, d)
		}
	}
	e.defs = next
	if e.started {
		e.syncLocked()
	}
	e.logger.Info("Workflows replaced", "count", len(next))
	return nil
}

func carryStats(prev, next *WorkflowDefinition) {
	if prev == next {
		return
	}
	count, last := prev.Stats()
	nextCount, nextLast := next.Stats()
	if nextCount > count {
		count = nextCount
	}
	if nextLast.After(last) {
		last = nextLast
	}
	next.SeedStats(count, last)
}

// Get returns the definition with id.
func (e *Engine) Get(id string) (*WorkflowDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[id]
	return d, ok
}

// List returns every definition sorted by id.
func (e *Engine) List() []*WorkflowDefinition {
	e.mu.RLock()
	out := make([]*WorkflowDefinition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *WorkflowDefinition) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Start binds every definition to its trigger. Executions started by events
// and schedules run under a context derived from ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.started = true
	e.stopped = false
	e.syncLocked()
	e.logger.Info("Workflow engine started", "workflows", len(e.defs))
	return nil
}

// Stop unbinds every trigger, cancels in-flight executions and waits for
// them until ctx is done. Triggers arriving after Stop begins are rejected
// until the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	for et, sub := range e.subs {
		e.bus.Unsubscribe(sub)
		delete(e.subs, et)
	}
	if e.scheduler != nil {
		for id := range e.scheduled {
			e.scheduler.Remove(id)
			delete(e.scheduled, id)
		}
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Workflow engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow engine stop: %w", ctx.Err())
	}
}

// Wait blocks until every execution started by the engine has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// syncLocked reconciles bus subscriptions and scheduler jobs with the
// current definitions. Callers hold e.mu.
func (e *Engine) syncLocked() {
	wantTypes := make(map[string]struct{})
	wantJobs := make(map[string]*WorkflowDefinition)
	for _, d := range e.defs {
		if !d.Enabled {
			continue
		}
		switch d.Trigger.Type {
		case TriggerEvent:
			wantTypes[d.Trigger.Event.EventType] = struct{}{}
		case TriggerSchedule:
			wantJobs[d.ID] = d
		}
	}

	for et, sub := range e.subs {
		if _, ok := wantTypes[et]; !ok {
			e.bus.Unsubscribe(sub)
			delete(e.subs, et)
		}
	}
	for et := range wantTypes {
		if _, ok := e.subs[et]; !ok {
			e.subs[et] = e.bus.Subscribe(et, e.onEvent)
		}
	}

	if e.scheduler == nil {
		if len(wantJobs) > 0 {
			e.logger.Warn("Schedule-triggered workflows present but no scheduler configured", "count", len(wantJobs))
		}
		return
	}
	for id := range e.scheduled {
		e.scheduler.Remove(id)
		delete(e.scheduled, id)
	}
	for id, d := range wantJobs {
		st := d.Trigger.Schedule
		spec := scheduler.Spec{
			Cron:      st.Cron,
			Interval:  st.Interval,
			Timezone:  st.Timezone,
			StartDate: st.StartDate,
			EndDate:   st.EndDate,
		}
		if err := e.scheduler.Schedule(id, spec, e.scheduledJob(id)); err != nil {
			e.logger.Error("Failed to schedule workflow", "workflow", id, "error", err)
			continue
		}
		e.scheduled[id] = struct{}{}
	}
}

func (e *Engine) onEvent(ctx context.Context, ev eventbus.EventPayload) error {
	e.HandleEvent(ctx, ev)
	return nil
}

// HandleEvent starts every enabled workflow whose event trigger matches ev,
// highest priority first, each in its own goroutine. It returns the ids of
// the matched workflows.
func (e *Engine) HandleEvent(ctx context.Context, ev eventbus.EventPayload) []string {
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		e.logger.Debug("Event ignored by stopped engine", "eventType", ev.EventType)
		return nil
	}
	var matched []*WorkflowDefinition
	for _, d := range e.defs {
		if d.Enabled && d.Trigger.Type == TriggerEvent && d.Trigger.Event.Matches(ev) {
			matched = append(matched, d)
		}
	}
	runCtx := e.ctx
	// Add under the read lock so Stop's Wait never races a new execution.
	e.wg.Add(len(matched))
	e.mu.RUnlock()

	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}
	slices.SortStableFunc(matched, func(a, b *WorkflowDefinition) int {
		if d := b.Priority.Rank() - a.Priority.Rank(); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})

	ids := make([]string, 0, len(matched))
	for _, d := range matched {
		ids = append(ids, d.ID)
		tc := TriggerContext{
			TriggeredBy: ev.UserID,
			Type:        TriggerEvent,
			Event:       &ev,
			ProgramID:   ev.ProgramID,
		}
		go func() {
			defer e.wg.Done()
			_, _ = e.executor.Execute(runCtx, d, tc)
		}()
	}
	if len(ids) > 0 {
		e.logger.Debug("Event matched workflows", "eventType", ev.EventType, "workflows", ids)
	}
	return ids
}

func (e *Engine) scheduledJob(id string) scheduler.JobFunc {
	return func(ctx context.Context) error {
		d, ok := e.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		actor := d.CreatedBy
		if actor == "" {
			actor = SystemActor
		}
		if err := e.track(); err != nil {
			return err
		}
		defer e.wg.Done()
		exec, err := e.executor.Execute(ctx, d, TriggerContext{TriggeredBy: actor, Type: TriggerSchedule})
		if err != nil {
			return err
		}
		if exec.Status == StatusFailed && exec.Error != nil {
			return exec.Error
		}
		return nil
	}
}

// TriggerManual runs workflow id synchronously for req. Manual workflows
// that require approval need an approver from their list, or one holding
// approve_workflows when the list is empty.
func (e *Engine) TriggerManual(ctx context.Context, id string, req ManualRequest) (*WorkflowExecution, error) {
	d, ok := e.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err := e.checkApproval(d, req); err != nil {
		return nil, err
	}
	if err := e.track(); err != nil {
		return nil, err
	}
	defer e.wg.Done()
	return e.executor.Execute(ctx, d, TriggerContext{
		TriggeredBy: req.RequestedBy,
		Type:        TriggerManual,
		ProgramID:   req.ProgramID,
		DocumentID:  req.DocumentID,
		Variables:   req.Variables,
	})
}

// track counts one execution against Stop's wait, or fails once Stop has
// begun.
func (e *Engine) track() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrEngineStopped
	}
	e.wg.Add(1)
	return nil
}

func (e *Engine) checkApproval(d *WorkflowDefinition, req ManualRequest) error {
	mt := d.Trigger.Manual
	if d.Trigger.Type != TriggerManual || mt == nil || !mt.RequiresApproval {
		return nil
	}
	if req.ApprovedBy == "" {
		return fmt.Errorf("%w: workflow %s", ErrApprovalRequired, d.ID)
	}
	if len(mt.Approvers) > 0 {
		if !slices.Contains(mt.Approvers, req.ApprovedBy) {
			return fmt.Errorf("%w: %s is not an approver of %s", ErrApprovalRequired, req.ApprovedBy, d.ID)
		}
		return nil
	}
	if e.approvals == nil || !e.approvals.HasPermission(req.ApprovedBy, rbac.PermApproveWorkflows, req.ProgramID) {
		return fmt.Errorf("%w: %s lacks %s", ErrApprovalRequired, req.ApprovedBy, rbac.PermApproveWorkflows)
	}
	return nil
}
