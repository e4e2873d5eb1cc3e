package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/eventflow/crossserver"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/workflow"
)

// EventPublisher is the cross-server publishing surface publish_event needs.
// *crossserver.Publisher satisfies this interface.
type EventPublisher interface {
	Publish(ctx context.Context, ev eventbus.EventPayload) string
	PublishTo(ctx context.Context, targets []string, ev eventbus.EventPayload) crossserver.DeliveryStatus
}

// PublishEventHandler runs publish_event actions. Without targets the event
// is broadcast; with targets it is pushed to each peer and the action fails
// only when no target accepted it.
type PublishEventHandler struct {
	publisher EventPublisher
}

// NewPublishEventHandler creates a publish_event handler.
func NewPublishEventHandler(p EventPublisher) *PublishEventHandler {
	return &PublishEventHandler{publisher: p}
}

func (h *PublishEventHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.PublishEventConfig)
	if !ok {
		return nil, fmt.Errorf("publish_event: unexpected config %T", req.Config)
	}
	programID := cfg.ProgramID
	if programID == "" {
		programID = req.Context.ProgramID
	}
	ev := eventbus.EventPayload{
		EventType: cfg.EventType,
		ProgramID: programID,
		UserID:    req.Auth.UserID,
		Data:      cfg.Data,
		Metadata: map[string]any{
			"workflowId":  req.WorkflowID,
			"executionId": req.ExecutionID,
			"actionId":    req.Action.ID,
		},
	}

	if len(cfg.Targets) == 0 {
		id := h.publisher.Publish(ctx, ev)
		return map[string]any{"eventId": id, "broadcast": true}, nil
	}

	status := h.publisher.PublishTo(ctx, cfg.Targets, ev)
	out := map[string]any{
		"eventId":   status.EventID,
		"delivered": toAny(status.Delivered),
		"failed":    toAny(status.Failed),
	}
	if len(status.Errors) > 0 {
		errs := make(map[string]any, len(status.Errors))
		for k, v := range status.Errors {
			errs[k] = v
		}
		out["errors"] = errs
	}
	if len(status.Delivered) == 0 && len(status.Failed) > 0 {
		reasons := make([]string, 0, len(status.Failed))
		for _, t := range status.Failed {
			reasons = append(reasons, t+": "+status.Errors[t])
		}
		return out, fmt.Errorf("publish_event %s: no target accepted the event (%s)", cfg.EventType, strings.Join(reasons, "; "))
	}
	return out, nil
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
