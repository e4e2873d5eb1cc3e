package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrHandlerNotFound is returned when no handler serves an action.
var ErrHandlerNotFound = errors.New("workflow: action handler not found")

// AuthContext identifies who an action runs on behalf of.
type AuthContext struct {
	UserID    string
	ProgramID string
}

// ActionRequest is everything a handler sees for one attempt.
type ActionRequest struct {
	WorkflowID  string
	ExecutionID string
	Action      Action
	// Config is Action.Config with templates resolved.
	Config  ActionConfig
	Auth    AuthContext
	Context ExecutionContext
	Attempt int
}

// ActionHandler runs one action attempt and returns its output.
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (map[string]any, error)
}

// HandlerFunc adapts a function to ActionHandler.
type HandlerFunc func(ctx context.Context, req ActionRequest) (map[string]any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req ActionRequest) (map[string]any, error) {
	return f(ctx, req)
}

// HandlerRegistry maps action types, and module/function names for custom
// actions, to handlers.
type HandlerRegistry struct {
	mu        sync.RWMutex
	byType    map[ActionType]ActionHandler
	functions map[string]ActionHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byType:    make(map[ActionType]ActionHandler),
		functions: make(map[string]ActionHandler),
	}
}

// Register sets the handler for typ, replacing any previous one.
func (r *HandlerRegistry) Register(typ ActionType, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = h
}

// RegisterFunction makes module.function available to custom actions.
func (r *HandlerRegistry) RegisterFunction(module, function string, h ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[module+"."+function] = h
}

// Types returns the registered action types.
func (r *HandlerRegistry) Types() []ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the handler for a. Custom actions look up their
// module.function; a handler registered for the custom type itself is the
// fallback.
func (r *HandlerRegistry) Resolve(a Action) (ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a.Type == ActionCustom {
		if cfg, ok := a.Config.(*CustomConfig); ok {
			if h, ok := r.functions[cfg.Module+"."+cfg.Function]; ok {
				return h, nil
			}
			if h, ok := r.byType[ActionCustom]; ok {
				return h, nil
			}
			return nil, fmt.Errorf("%w: %s.%s", ErrHandlerNotFound, cfg.Module, cfg.Function)
		}
	}
	if h, ok := r.byType[a.Type]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, a.Type)
}
