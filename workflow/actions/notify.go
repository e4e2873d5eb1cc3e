package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/workflow"
)

// NotificationEventType is the bus event BusNotifier publishes.
const NotificationEventType = "notification_requested"

// BusNotifier hands notifications to whichever service consumes
// notification_requested events, locally or on a peer.
type BusNotifier struct {
	bus      *eventbus.Bus
	serverID string
}

// NewBusNotifier creates a notifier publishing on bus as serverID.
func NewBusNotifier(bus *eventbus.Bus, serverID string) *BusNotifier {
	return &BusNotifier{bus: bus, serverID: serverID}
}

// Notify publishes n as a notification_requested event.
func (n *BusNotifier) Notify(ctx context.Context, msg workflow.Notification) error {
	if n.bus == nil {
		return errors.New("bus notifier: no bus configured")
	}
	recipients := make([]any, len(msg.Recipients))
	for i, r := range msg.Recipients {
		recipients[i] = r
	}
	n.bus.Publish(ctx, eventbus.EventPayload{
		EventType:    NotificationEventType,
		SourceServer: n.serverID,
		Data: map[string]any{
			"recipients": recipients,
			"channel":    msg.Channel,
			"subject":    msg.Subject,
			"message":    msg.Message,
			"data":       msg.Data,
		},
	})
	return nil
}

// WebhookNotifier posts notifications as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. A nil client gets a
// traced default with a 10s timeout.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WebhookNotifier{url: url, client: client}
}

// Notify posts msg and fails on any non-2xx response.
func (n *WebhookNotifier) Notify(ctx context.Context, msg workflow.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyHandler runs notify actions through a Notifier.
type NotifyHandler struct {
	notifier workflow.Notifier
}

// NewNotifyHandler creates a notify handler.
func NewNotifyHandler(n workflow.Notifier) *NotifyHandler {
	return &NotifyHandler{notifier: n}
}

func (h *NotifyHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.NotifyConfig)
	if !ok {
		return nil, fmt.Errorf("notify: unexpected config %T", req.Config)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = req.Action.Label()
	}
	data := map[string]any{
		"workflowId":  req.WorkflowID,
		"executionId": req.ExecutionID,
	}
	for k, v := range cfg.Data {
		data[k] = v
	}
	if err := h.notifier.Notify(ctx, workflow.Notification{
		Recipients: cfg.Recipients,
		Channel:    cfg.Channel,
		Subject:    subject,
		Message:    cfg.Message,
		Data:       data,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"notified": len(cfg.Recipients), "channel": cfg.Channel}, nil
}
