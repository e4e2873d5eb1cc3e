package crossserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/registry"
)

// PeerLookup resolves a server id to its registry record.
// *registry.Registry satisfies this interface.
type PeerLookup interface {
	GetServer(serverID string) (registry.ServerInfo, bool)
}

// Relay forwards broadcast events to other servers out of band.
type Relay interface {
	Forward(ctx context.Context, ev eventbus.EventPayload) error
}

// DeliveryRecorder observes publish and delivery outcomes.
// *metrics.Collector satisfies this interface.
type DeliveryRecorder interface {
	RecordEventPublished(eventType string)
	RecordDelivery(target, result string, duration time.Duration)
}

const (
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultRateLimit       = rate.Limit(50)
	DefaultRateBurst       = 10
)

// Publisher publishes cross-server events.
type Publisher struct {
	serverID string
	bus      *eventbus.Bus
	peers    PeerLookup
	client   *http.Client
	relay    Relay
	recorder DeliveryRecorder
	logger   *slog.Logger
	now      func() time.Time
	timeout  time.Duration

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithHTTPClient sets the client used for direct delivery.
func WithHTTPClient(c *http.Client) PublisherOption {
	return func(p *Publisher) { p.client = c }
}

// WithRelay forwards every broadcast through r.
func WithRelay(r Relay) PublisherOption {
	return func(p *Publisher) { p.relay = r }
}

// WithDeliveryRecorder sets an observer for publish outcomes.
func WithDeliveryRecorder(r DeliveryRecorder) PublisherOption {
	return func(p *Publisher) { p.recorder = r }
}

// WithDeliveryTimeout bounds each direct delivery.
func WithDeliveryTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

// WithRateLimit sets the per-peer delivery rate.
func WithRateLimit(limit rate.Limit, burst int) PublisherOption {
	return func(p *Publisher) {
		p.limit = limit
		p.burst = burst
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithPublisherClock overrides the time source.
func WithPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a publisher for serverID over bus, resolving targets
// through peers.
func NewPublisher(serverID string, bus *eventbus.Bus, peers PeerLookup, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		serverID: serverID,
		bus:      bus,
		peers:    peers,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   slog.Default(),
		now:      time.Now,
		timeout:  DefaultDeliveryTimeout,
		limit:    DefaultRateLimit,
		burst:    DefaultRateBurst,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServerID returns the id this publisher stamps as the event source.
func (p *Publisher) ServerID() string { return p.serverID }

// prepare fills source, timestamp and event id without touching the caller's
// maps.
func (p *Publisher) prepare(ev eventbus.EventPayload) (eventbus.EventPayload, string) {
	ev = ev.Clone()
	if ev.SourceServer == "" {
		ev.SourceServer = p.serverID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	id := EventID(ev)
	if id == "" {
		id = uuid.NewString()
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]any, 1)
		}
		ev.Metadata[MetadataEventID] = id
	}
	return ev, id
}

// Publish tags ev as cross-server, restricted to ev.TargetServers when set,
// and broadcasts it on the local bus and the relay. It returns the event id.
func (p *Publisher) Publish(ctx context.Context, ev eventbus.EventPayload) string {
	ev, id := p.prepare(ev)
	ev = Tag(ev, ev.TargetServers)

	p.bus.Publish(ctx, ev)
	if p.recorder != nil {
		p.recorder.RecordEventPublished(ev.EventType)
	}
	if p.relay != nil {
		if err := p.relay.Forward(ctx, ev); err != nil {
			p.logger.Warn("Relay forward failed", "eventType", ev.EventType, "event", id, "error", err)
		}
	}
	p.logger.Debug("Cross-server event published", "eventType", ev.EventType, "event", id)
	return id
}

type outcome struct {
	ok     bool
	reason string
}

// PublishTo broadcasts ev on the local bus restricted to targets and pushes
// it to each target over HTTP. Targets that are unknown or unhealthy fail
// without a network attempt. Failures are reported, never returned.
func (p *Publisher) PublishTo(ctx context.Context, targets []string, ev eventbus.EventPayload) DeliveryStatus {
	ev, id := p.prepare(ev)
	targets = dedupe(targets)
	ev.TargetServers = targets
	ev = Tag(ev, targets)

	p.bus.Publish(ctx, ev)
	if p.recorder != nil {
		p.recorder.RecordEventPublished(ev.EventType)
	}

	body, err := json.Marshal(ev)
	results := make([]outcome, len(targets))
	if err != nil {
		for i := range results {
			results[i] = outcome{reason: fmt.Sprintf("encode event: %v", err)}
		}
	} else {
		var g errgroup.Group
		for i, target := range targets {
			g.Go(func() error {
				start := time.Now()
				results[i] = p.deliver(ctx, target, body)
				if p.recorder != nil {
					result := "delivered"
					if !results[i].ok {
						result = "failed"
					}
					p.recorder.RecordDelivery(target, result, time.Since(start))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	status := DeliveryStatus{
		EventID:   id,
		Delivered: []string{},
		Failed:    []string{},
		Errors:    make(map[string]string),
		Timestamp: p.now(),
	}
	for i, target := range targets {
		if results[i].ok {
			status.Delivered = append(status.Delivered, target)
			continue
		}
		status.Failed = append(status.Failed, target)
		status.Errors[target] = results[i].reason
		p.logger.Warn("Cross-server delivery failed", "target", target, "eventType", ev.EventType, "event", id, "reason", results[i].reason)
	}
	return status
}

func (p *Publisher) deliver(ctx context.Context, target string, body []byte) outcome {
	info, ok := p.peers.GetServer(target)
	if !ok {
		return outcome{reason: "server not registered"}
	}
	if info.Status == registry.StatusUnhealthy {
		return outcome{reason: "server unhealthy"}
	}

	if err := p.limiter(target).Wait(ctx); err != nil {
		return outcome{reason: fmt.Sprintf("rate limit: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, info.BaseURL+ReceivePath, bytes.NewReader(body))
	if err != nil {
		return outcome{reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceHeader, p.serverID)

	resp, err := p.client.Do(req)
	if err != nil {
		return outcome{reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcome{reason: fmt.Sprintf("peer returned %d", resp.StatusCode)}
	}
	return outcome{ok: true}
}

func (p *Publisher) limiter(target string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[target]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[target] = l
	}
	return l
}

// PublishEntityCreated publishes {entityType}_created.
func (p *Publisher) PublishEntityCreated(ctx context.Context, entityType, entityID string, data map[string]any, programID string) string {
	return p.publishEntity(ctx, entityType, "created", entityID, data, programID)
}

// PublishEntityUpdated publishes {entityType}_updated.
func (p *Publisher) PublishEntityUpdated(ctx context.Context, entityType, entityID string, data map[string]any, programID string) string {
	return p.publishEntity(ctx, entityType, "updated", entityID, data, programID)
}

// PublishEntityDeleted publishes {entityType}_deleted.
func (p *Publisher) PublishEntityDeleted(ctx context.Context, entityType, entityID string, programID string) string {
	return p.publishEntity(ctx, entityType, "deleted", entityID, nil, programID)
}

func (p *Publisher) publishEntity(ctx context.Context, entityType, verb, entityID string, data map[string]any, programID string) string {
	payload := maps.Clone(data)
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["entityType"] = entityType
	payload["entityId"] = entityID
	return p.Publish(ctx, eventbus.EventPayload{
		EventType: entityType + "_" + verb,
		ProgramID: programID,
		Data:      payload,
	})
}

// PublishProgramEvent publishes program_{action} scoped to programID.
func (p *Publisher) PublishProgramEvent(ctx context.Context, programID, action string, data map[string]any) string {
	payload := maps.Clone(data)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["programId"] = programID
	return p.Publish(ctx, eventbus.EventPayload{
		EventType: "program_" + action,
		ProgramID: programID,
		Data:      payload,
	})
}

// PublishDocumentEvent publishes document_{action}.
func (p *Publisher) PublishDocumentEvent(ctx context.Context, documentID, action string, data map[string]any, programID string) string {
	payload := maps.Clone(data)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["documentId"] = documentID
	return p.Publish(ctx, eventbus.EventPayload{
		EventType: "document_" + action,
		ProgramID: programID,
		Data:      payload,
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
