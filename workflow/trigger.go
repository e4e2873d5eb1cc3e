package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/eventflow/eventbus"
)

// TriggerType tags the active Trigger variant.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
	TriggerManual   TriggerType = "manual"
)

// Trigger starts a workflow. Exactly one variant, matching Type, is set.
type Trigger struct {
	Type     TriggerType      `yaml:"type" json:"type"`
	Schedule *ScheduleTrigger `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Event    *EventTrigger    `yaml:"event,omitempty" json:"event,omitempty"`
	Manual   *ManualTrigger   `yaml:"manual,omitempty" json:"manual,omitempty"`
}

// ScheduleTrigger fires on a cron expression or a fixed interval.
type ScheduleTrigger struct {
	Cron      string        `yaml:"cron,omitempty" json:"cron,omitempty"`
	Interval  time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timezone  string        `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	StartDate *time.Time    `yaml:"startDate,omitempty" json:"startDate,omitempty"`
	EndDate   *time.Time    `yaml:"endDate,omitempty" json:"endDate,omitempty"`
}

// EventTrigger fires on bus events of EventType.
type EventTrigger struct {
	EventType  string             `yaml:"eventType" json:"eventType"`
	Source     string             `yaml:"source,omitempty" json:"source,omitempty"`
	Conditions []TriggerCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// ManualTrigger fires on explicit request.
type ManualTrigger struct {
	RequiresApproval bool     `yaml:"requiresApproval" json:"requiresApproval"`
	Approvers        []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`
}

// ConditionOperator compares an event field to a value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
	OpStartsWith  ConditionOperator = "starts_with"
	OpMatches     ConditionOperator = "matches"
)

// Logic joins a condition's result with the next condition.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// TriggerCondition is one field test. Logic applies between this condition
// and the one after it; AND when empty.
type TriggerCondition struct {
	Field    string            `yaml:"field" json:"field"`
	Operator ConditionOperator `yaml:"operator" json:"operator"`
	Value    any               `yaml:"value,omitempty" json:"value,omitempty"`
	Logic    Logic             `yaml:"logic,omitempty" json:"logic,omitempty"`
}

// Validate checks that exactly the variant named by Type is present.
func (t Trigger) Validate() error {
	set := 0
	for _, present := range []bool{t.Schedule != nil, t.Event != nil, t.Manual != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("trigger: exactly one variant must be set, got %d", set)
	}
	switch t.Type {
	case TriggerSchedule:
		if t.Schedule == nil {
			return errors.New("trigger: schedule variant missing")
		}
		if t.Schedule.Cron == "" && t.Schedule.Interval <= 0 {
			return errors.New("trigger: schedule needs cron or interval")
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				return fmt.Errorf("trigger: invalid timezone %q: %w", t.Schedule.Timezone, err)
			}
		}
	case TriggerEvent:
		if t.Event == nil {
			return errors.New("trigger: event variant missing")
		}
		if t.Event.EventType == "" {
			return errors.New("trigger: event type is required")
		}
		for _, c := range t.Event.Conditions {
			if err := c.validate(); err != nil {
				return err
			}
		}
	case TriggerManual:
		if t.Manual == nil {
			return errors.New("trigger: manual variant missing")
		}
	default:
		return fmt.Errorf("trigger: unknown type %q", t.Type)
	}
	return nil
}

func (c TriggerCondition) validate() error {
	if c.Field == "" {
		return errors.New("trigger condition: field is required")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan,
		OpIn, OpNotIn, OpExists, OpNotExists, OpStartsWith:
	case OpMatches:
		if _, err := regexp.Compile(fmt.Sprint(c.Value)); err != nil {
			return fmt.Errorf("trigger condition %q: invalid pattern: %w", c.Field, err)
		}
	default:
		return fmt.Errorf("trigger condition %q: unknown operator %q", c.Field, c.Operator)
	}
	switch c.Logic {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("trigger condition %q: unknown logic %q", c.Field, c.Logic)
	}
	return nil
}

// Matches reports whether ev fires the trigger: same event type, same source
// when one is configured, and all conditions true.
func (t *EventTrigger) Matches(ev eventbus.EventPayload) bool {
	if t == nil || ev.EventType != t.EventType {
		return false
	}
	if t.Source != "" && ev.SourceServer != t.Source {
		return false
	}
	return EvaluateConditions(t.Conditions, EventFields(ev))
}

// EventFields exposes an event for condition and template lookups. Top-level
// envelope keys win; anything else falls through to the event data.
func EventFields(ev eventbus.EventPayload) map[string]any {
	return map[string]any{
		"eventType":    ev.EventType,
		"sourceServer": ev.SourceServer,
		"programId":    ev.ProgramID,
		"userId":       ev.UserID,
		"timestamp":    ev.Timestamp,
		"data":         ev.Data,
		"metadata":     ev.Metadata,
	}
}

// EvaluateConditions combines conditions left to right, each joined to the
// next by its own Logic. An empty list is true.
func EvaluateConditions(conds []TriggerCondition, fields map[string]any) bool {
	if len(conds) == 0 {
		return true
	}
	result := conds[0].Evaluate(fields)
	for i := 1; i < len(conds); i++ {
		next := conds[i].Evaluate(fields)
		if conds[i-1].Logic == LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// Evaluate applies the condition to fields.
func (c TriggerCondition) Evaluate(fields map[string]any) bool {
	actual, found := lookupField(fields, c.Field)
	switch c.Operator {
	case OpExists:
		return found && actual != nil
	case OpNotExists:
		return !found || actual == nil
	}
	if !found {
		return c.Operator == OpNotEquals || c.Operator == OpNotContains || c.Operator == OpNotIn
	}

	switch c.Operator {
	case OpEquals:
		return looselyEqual(actual, c.Value)
	case OpNotEquals:
		return !looselyEqual(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpIn:
		return memberOf(actual, c.Value)
	case OpNotIn:
		return !memberOf(actual, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(fmt.Sprint(actual), fmt.Sprint(c.Value))
	case OpMatches:
		re, err := regexp.Compile(fmt.Sprint(c.Value))
		return err == nil && re.MatchString(fmt.Sprint(actual))
	}
	return false
}

func lookupField(fields map[string]any, path string) (any, bool) {
	if v, ok := lookupPath(fields, path); ok {
		return v, true
	}
	if data, ok := fields["data"].(map[string]any); ok {
		return lookupPath(data, path)
	}
	return nil, false
}

func looselyEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		return slices.ContainsFunc(h, func(v any) bool { return looselyEqual(v, needle) })
	case []string:
		return slices.Contains(h, fmt.Sprint(needle))
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	return false
}

func memberOf(v, set any) bool {
	switch s := set.(type) {
	case []any:
		return slices.ContainsFunc(s, func(x any) bool { return looselyEqual(v, x) })
	case []string:
		return slices.Contains(s, fmt.Sprint(v))
	case string:
		for _, part := range strings.Split(s, ",") {
			if strings.TrimSpace(part) == fmt.Sprint(v) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
