package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/eventflow/workflow"
)

// maxResponseBody caps how much of a webhook response is kept in the output.
const maxResponseBody = 1 << 20

// WebhookHandler runs webhook actions. Any non-2xx response fails the attempt
// so the executor's retry policy applies.
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a webhook handler. A nil client gets a traced
// default with a 30s timeout.
func NewWebhookHandler(client *http.Client) *WebhookHandler {
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &WebhookHandler{client: client}
}

func (h *WebhookHandler) Execute(ctx context.Context, req workflow.ActionRequest) (map[string]any, error) {
	cfg, ok := req.Config.(*workflow.WebhookConfig)
	if !ok {
		return nil, fmt.Errorf("webhook: unexpected config %T", req.Config)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if cfg.Body != nil && method != http.MethodGet {
		payload, err := json.Marshal(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("webhook: marshal body: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("webhook: create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Workflow-ID", req.WorkflowID)
	httpReq.Header.Set("X-Execution-ID", req.ExecutionID)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: %w", method, cfg.URL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("webhook: read response: %w", err)
	}

	out := map[string]any{"statusCode": resp.StatusCode}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("webhook %s %s returned %d", method, cfg.URL, resp.StatusCode)
	}
	return out, nil
}
