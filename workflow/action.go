package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActionType tags the action config variant.
type ActionType string

const (
	ActionNotify        ActionType = "notify"
	ActionRouteDocument ActionType = "route_document"
	ActionUpdateRecord  ActionType = "update_record"
	ActionPublishEvent  ActionType = "publish_event"
	ActionWebhook       ActionType = "webhook"
	ActionTransform     ActionType = "transform"
	ActionCustom        ActionType = "custom"
)

// Action is one pipeline step.
type Action struct {
	ID   string     `yaml:"id" json:"id"`
	Name string     `yaml:"name,omitempty" json:"name,omitempty"`
	Type ActionType `yaml:"type" json:"type"`
	// Order is the pipeline position; ties keep declaration order.
	Order int `yaml:"order" json:"order"`
	// Condition is an expression that must be true for the action to run.
	Condition         string `yaml:"condition,omitempty" json:"condition,omitempty"`
	OnSuccess         string `yaml:"onSuccess,omitempty" json:"onSuccess,omitempty"`
	OnFailure         string `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`
	RetryOnFailure    bool   `yaml:"retryOnFailure" json:"retryOnFailure"`
	ContinueOnFailure bool   `yaml:"continueOnFailure" json:"continueOnFailure"`
	// Timeout is the per-attempt budget in seconds; zero means none.
	Timeout int          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Config  ActionConfig `yaml:"-" json:"config,omitempty"`
}

// UnmarshalYAML decodes the config block into the variant named by type.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	type plain Action
	var aux struct {
		plain  `yaml:",inline"`
		Config yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*a = Action(aux.plain)
	cfg, err := NewActionConfig(a.Type)
	if err != nil {
		return fmt.Errorf("action %q: %w", a.ID, err)
	}
	if aux.Config.Kind != 0 {
		if err := aux.Config.Decode(cfg); err != nil {
			return fmt.Errorf("action %q: config: %w", a.ID, err)
		}
	}
	a.Config = cfg
	return nil
}

// UnmarshalJSON decodes the config object into the variant named by type.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var aux struct {
		plain
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Action(aux.plain)
	cfg, err := NewActionConfig(a.Type)
	if err != nil {
		return fmt.Errorf("action %q: %w", a.ID, err)
	}
	if len(aux.Config) > 0 && string(aux.Config) != "null" {
		if err := json.Unmarshal(aux.Config, cfg); err != nil {
			return fmt.Errorf("action %q: config: %w", a.ID, err)
		}
	}
	a.Config = cfg
	return nil
}

// Validate checks the action's own fields.
func (a Action) Validate() error {
	if a.Config == nil {
		if _, err := NewActionConfig(a.Type); err != nil {
			return fmt.Errorf("action %q: %w", a.ID, err)
		}
		return nil
	}
	if a.Config.Kind() != a.Type {
		return fmt.Errorf("action %q: config kind %q does not match type %q", a.ID, a.Config.Kind(), a.Type)
	}
	if err := a.Config.validate(); err != nil {
		return fmt.Errorf("action %q: %w", a.ID, err)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("action %q: timeout must not be negative", a.ID)
	}
	return nil
}

// Label returns the name when set, otherwise the id.
func (a Action) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// ActionConfig is the closed set of action configurations. Handlers receive
// the variant for their type with templates already resolved.
type ActionConfig interface {
	Kind() ActionType
	resolve(t *Template) ActionConfig
	validate() error
}

// NewActionConfig returns a zero config for typ.
func NewActionConfig(typ ActionType) (ActionConfig, error) {
	switch typ {
	case ActionNotify:
		return &NotifyConfig{}, nil
	case ActionRouteDocument:
		return &RouteDocumentConfig{}, nil
	case ActionUpdateRecord:
		return &UpdateRecordConfig{}, nil
	case ActionPublishEvent:
		return &PublishEventConfig{}, nil
	case ActionWebhook:
		return &WebhookConfig{}, nil
	case ActionTransform:
		return &TransformConfig{}, nil
	case ActionCustom:
		return &CustomConfig{}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", typ)
}

// NotifyConfig sends a notification.
type NotifyConfig struct {
	Recipients []string       `yaml:"recipients" json:"recipients"`
	Channel    string         `yaml:"channel,omitempty" json:"channel,omitempty"`
	Subject    string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Message    string         `yaml:"message" json:"message"`
	Data       map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

func (*NotifyConfig) Kind() ActionType { return ActionNotify }

func (c *NotifyConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.Recipients = t.ResolveStrings(c.Recipients)
	out.Subject = t.ResolveString(c.Subject)
	out.Message = t.ResolveString(c.Message)
	out.Data = t.ResolveMap(c.Data)
	return &out
}

func (c *NotifyConfig) validate() error {
	if len(c.Recipients) == 0 {
		return errors.New("notify: at least one recipient is required")
	}
	return nil
}

// RouteDocumentConfig sends a document to a destination for review.
type RouteDocumentConfig struct {
	DocumentID     string   `yaml:"documentId" json:"documentId"`
	Destination    string   `yaml:"destination" json:"destination"`
	Reviewers      []string `yaml:"reviewers,omitempty" json:"reviewers,omitempty"`
	Classification string   `yaml:"classification,omitempty" json:"classification,omitempty"`
	Comment        string   `yaml:"comment,omitempty" json:"comment,omitempty"`
}

func (*RouteDocumentConfig) Kind() ActionType { return ActionRouteDocument }

func (c *RouteDocumentConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.DocumentID = t.ResolveString(c.DocumentID)
	out.Destination = t.ResolveString(c.Destination)
	out.Reviewers = t.ResolveStrings(c.Reviewers)
	out.Classification = t.ResolveString(c.Classification)
	out.Comment = t.ResolveString(c.Comment)
	return &out
}

func (c *RouteDocumentConfig) validate() error {
	if c.Destination == "" {
		return errors.New("route_document: destination is required")
	}
	return nil
}

// RecordOperation selects how update_record writes.
type RecordOperation string

const (
	RecordAppend RecordOperation = "append"
	RecordUpdate RecordOperation = "update"
	RecordUpsert RecordOperation = "upsert"
)

// UpdateRecordConfig writes a row to the record store.
type UpdateRecordConfig struct {
	Table     string          `yaml:"table" json:"table"`
	RecordID  string          `yaml:"recordId,omitempty" json:"recordId,omitempty"`
	Operation RecordOperation `yaml:"operation,omitempty" json:"operation,omitempty"`
	Fields    map[string]any  `yaml:"fields" json:"fields"`
}

func (*UpdateRecordConfig) Kind() ActionType { return ActionUpdateRecord }

func (c *UpdateRecordConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.Table = t.ResolveString(c.Table)
	out.RecordID = t.ResolveString(c.RecordID)
	out.Fields = t.ResolveMap(c.Fields)
	return &out
}

func (c *UpdateRecordConfig) validate() error {
	if c.Table == "" {
		return errors.New("update_record: table is required")
	}
	switch c.Operation {
	case "", RecordAppend, RecordUpsert:
	case RecordUpdate:
		if c.RecordID == "" {
			return errors.New("update_record: recordId is required for update")
		}
	default:
		return fmt.Errorf("update_record: unknown operation %q", c.Operation)
	}
	return nil
}

// PublishEventConfig emits a cross-server event, to specific targets when
// Targets is set.
type PublishEventConfig struct {
	EventType string         `yaml:"eventType" json:"eventType"`
	Targets   []string       `yaml:"targets,omitempty" json:"targets,omitempty"`
	ProgramID string         `yaml:"programId,omitempty" json:"programId,omitempty"`
	Data      map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

func (*PublishEventConfig) Kind() ActionType { return ActionPublishEvent }

func (c *PublishEventConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.EventType = t.ResolveString(c.EventType)
	out.Targets = t.ResolveStrings(c.Targets)
	out.ProgramID = t.ResolveString(c.ProgramID)
	out.Data = t.ResolveMap(c.Data)
	return &out
}

func (c *PublishEventConfig) validate() error {
	if c.EventType == "" {
		return errors.New("publish_event: eventType is required")
	}
	return nil
}

// WebhookConfig calls an HTTP endpoint.
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    map[string]any    `yaml:"body,omitempty" json:"body,omitempty"`
}

func (*WebhookConfig) Kind() ActionType { return ActionWebhook }

func (c *WebhookConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.URL = t.ResolveString(c.URL)
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = t.ResolveString(v)
		}
	}
	out.Body = t.ResolveMap(c.Body)
	return &out
}

func (c *WebhookConfig) validate() error {
	if c.URL == "" {
		return errors.New("webhook: url is required")
	}
	return nil
}

// TransformConfig runs a jq query over the execution scope, or the value at
// InputFrom, and optionally stores the result in the variable named Output.
type TransformConfig struct {
	Query     string `yaml:"query" json:"query"`
	InputFrom string `yaml:"inputFrom,omitempty" json:"inputFrom,omitempty"`
	Output    string `yaml:"output,omitempty" json:"output,omitempty"`
}

func (*TransformConfig) Kind() ActionType { return ActionTransform }

func (c *TransformConfig) resolve(*Template) ActionConfig {
	out := *c
	return &out
}

func (c *TransformConfig) validate() error {
	if c.Query == "" {
		return errors.New("transform: query is required")
	}
	return nil
}

// CustomConfig names a host-registered function.
type CustomConfig struct {
	Module   string         `yaml:"module" json:"module"`
	Function string         `yaml:"function" json:"function"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

func (*CustomConfig) Kind() ActionType { return ActionCustom }

func (c *CustomConfig) resolve(t *Template) ActionConfig {
	out := *c
	out.Params = t.ResolveMap(c.Params)
	return &out
}

func (c *CustomConfig) validate() error {
	if c.Module == "" || c.Function == "" {
		return errors.New("custom: module and function are required")
	}
	return nil
}

// ResolveConfig returns cfg with every placeholder resolved against t.
func ResolveConfig(cfg ActionConfig, t *Template) ActionConfig {
	if cfg == nil {
		return nil
	}
	return cfg.resolve(t)
}
