// Package workflow holds declarative workflow definitions and the executor
// that runs their action pipelines.
package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
)

// Priority orders concurrent dispatch of matching workflows.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight; unknown priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// RetryPolicy bounds retries of actions with RetryOnFailure set.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"maxRetries" json:"maxRetries"`
	RetryDelay        time.Duration `yaml:"retryDelay" json:"retryDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier" json:"backoffMultiplier"`
}

// Delay returns the wait before retry number attempt (1-based):
// RetryDelay * BackoffMultiplier^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.RetryDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.RetryDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// OnErrorStrategy selects what happens after a workflow fails.
type OnErrorStrategy string

const (
	OnErrorFail     OnErrorStrategy = "fail"
	OnErrorContinue OnErrorStrategy = "continue"
	OnErrorRollback OnErrorStrategy = "rollback"
	OnErrorNotify   OnErrorStrategy = "notify"
)

// ErrorHandling routes workflow failures.
type ErrorHandling struct {
	OnError         OnErrorStrategy `yaml:"onError" json:"onError"`
	RollbackActions []Action        `yaml:"rollbackActions,omitempty" json:"rollbackActions,omitempty"`
	NotifyOnError   bool            `yaml:"notifyOnError" json:"notifyOnError"`
	ErrorRecipients []string        `yaml:"errorRecipients,omitempty" json:"errorRecipients,omitempty"`
}

type executionStats struct {
	mu    sync.Mutex
	count int64
	last  time.Time
}

var statsInit sync.Mutex

// WorkflowDefinition is an immutable workflow template. Only the execution
// counters change after load, through RecordExecution.
type WorkflowDefinition struct {
	ID            string                 `yaml:"id" json:"id"`
	Name          string                 `yaml:"name" json:"name"`
	Description   string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Version       string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Trigger       Trigger                `yaml:"trigger" json:"trigger"`
	Actions       []Action               `yaml:"actions" json:"actions"`
	Roles         []rbac.RoleRequirement `yaml:"roles,omitempty" json:"roles,omitempty"`
	RetryPolicy   RetryPolicy            `yaml:"retryPolicy" json:"retryPolicy"`
	ErrorHandling ErrorHandling          `yaml:"errorHandling" json:"errorHandling"`
	Enabled       bool                   `yaml:"enabled" json:"enabled"`
	Priority      Priority               `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Timeout is the execution budget in seconds; zero means none.
	Timeout   int      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedBy string   `yaml:"createdBy,omitempty" json:"createdBy,omitempty"`

	stats *executionStats
}

// UnmarshalYAML decodes a definition and seeds its counters from the
// optional executionCount and lastExecuted keys.
func (d *WorkflowDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain WorkflowDefinition
	var aux struct {
		plain          `yaml:",inline"`
		ExecutionCount int64     `yaml:"executionCount"`
		LastExecuted   time.Time `yaml:"lastExecuted"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*d = WorkflowDefinition(aux.plain)
	d.stats = &executionStats{count: aux.ExecutionCount, last: aux.LastExecuted}
	return nil
}

func (d *WorkflowDefinition) counters() *executionStats {
	statsInit.Lock()
	defer statsInit.Unlock()
	if d.stats == nil {
		d.stats = &executionStats{}
	}
	return d.stats
}

// SeedStats sets the counters, e.g. when restoring persisted definitions.
func (d *WorkflowDefinition) SeedStats(count int64, last time.Time) {
	s := d.counters()
	s.mu.Lock()
	s.count, s.last = count, last
	s.mu.Unlock()
}

// RecordExecution increments the execution count and advances lastExecuted
// to at. Both change together under one lock.
func (d *WorkflowDefinition) RecordExecution(at time.Time) {
	s := d.counters()
	s.mu.Lock()
	s.count++
	if at.After(s.last) {
		s.last = at
	}
	s.mu.Unlock()
}

// Stats returns the execution count and the last execution time.
func (d *WorkflowDefinition) Stats() (count int64, lastExecuted time.Time) {
	s := d.counters()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.last
}

// Label returns the name when set, otherwise the id.
func (d *WorkflowDefinition) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// ActionByID returns the action with id.
func (d *WorkflowDefinition) ActionByID(id string) (Action, bool) {
	for _, a := range d.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Validate checks structural consistency.
func (d *WorkflowDefinition) Validate() error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if err := d.Trigger.Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]struct{}, len(d.Actions))
	for i, a := range d.Actions {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("action %d: id is required", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("action %q: duplicate id", a.ID))
		}
		seen[a.ID] = struct{}{}
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, a := range d.Actions {
		for _, target := range []string{a.OnSuccess, a.OnFailure} {
			if target == "" {
				continue
			}
			if _, ok := seen[target]; !ok {
				errs = append(errs, fmt.Errorf("action %q: unknown branch target %q", a.ID, target))
			}
		}
	}
	if d.RetryPolicy.MaxRetries < 0 {
		errs = append(errs, errors.New("retryPolicy.maxRetries must not be negative"))
	}
	switch d.ErrorHandling.OnError {
	case "", OnErrorFail, OnErrorContinue, OnErrorRollback, OnErrorNotify:
	default:
		errs = append(errs, fmt.Errorf("unknown errorHandling.onError %q", d.ErrorHandling.OnError))
	}
	for _, r := range d.Roles {
		if r.Role != "" && !r.Role.Valid() {
			errs = append(errs, fmt.Errorf("unknown role %q", r.Role))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("workflow %q: %w", d.ID, errors.Join(errs...))
	}
	return nil
}
