package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// TransformHandler runs transform actions as jq queries. The input is the
// execution scope, or the value at InputFrom. Compiled queries are cached by
// query text.
type TransformHandler struct {
	cache sync.Map // query -> *gojq.Code
}

// NewTransformHandler creates a transform handler.
func NewTransformHandler() *TransformHandler {
	return &TransformHandler{}
}

func (h *TransformHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.TransformConfig)
	if !ok {
		return nil, fmt.Errorf("transform: unexpected config %T", req.Config)
	}
	code, err := h.compile(cfg.Query)
	if err != nil {
		return nil, err
	}

	scope := req.Context.Scope()
	var input any = scope
	if cfg.InputFrom != "" {
		v, ok := workflow.NewTemplate(scope).Lookup(cfg.InputFrom)
		if !ok {
			return nil, fmt.Errorf("transform: input %q not found", cfg.InputFrom)
		}
		input = v
	}
	normalized, err := normalizeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("transform: normalize input: %w", err)
	}

	iter := code.RunWithContext(ctx, normalized)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("transform: %w", err)
		}
		results = append(results, v)
	}

	output := make(map[string]any)
	var result any
	switch len(results) {
	case 0:
	case 1:
		result = results[0]
		if m, ok := result.(map[string]any); ok {
			for k, v := range m {
				output[k] = v
			}
		}
	default:
		result = results
	}
	output["result"] = result
	if cfg.Output != "" {
		output[workflow.OutputVariables] = map[string]any{cfg.Output: result}
	}
	return output, nil
}

func (h *TransformHandler) compile(query string) (*gojq.Code, error) {
	if c, ok := h.cache.Load(query); ok {
		return c.(*gojq.Code), nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("transform: invalid query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("transform: compile %q: %w", query, err)
	}
	actual, _ := h.cache.LoadOrStore(query, code)
	return actual.(*gojq.Code), nil
}

// normalizeJSON round-trips v through JSON so gojq only sees the types it
// accepts.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
