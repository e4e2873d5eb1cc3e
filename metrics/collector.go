// Package metrics exposes Prometheus metrics for executions, deliveries and
// peer health.
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config selects the namespace and which metric groups are registered.
type Config struct {
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Subsystem      string   `yaml:"subsystem" json:"subsystem"`
	EnabledMetrics []string `yaml:"enabledMetrics" json:"enabledMetrics"`
}

// DefaultConfig enables every group under the "eventflow" namespace.
func DefaultConfig() Config {
	return Config{
		Namespace:      "eventflow",
		EnabledMetrics: []string{"workflow", "action", "delivery", "registry", "http"},
	}
}

// peerStatuses are the label values of the peer status gauge.
var peerStatuses = []string{"healthy", "degraded", "unhealthy", "unknown"}

// Collector owns a Prometheus registry and the metric vectors recorded into
// it. Every Record method is a no-op for a disabled group.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	WorkflowExecutions  *prometheus.CounterVec
	WorkflowDuration    *prometheus.HistogramVec
	ActionExecutions    *prometheus.CounterVec
	ActionRetries       *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	DeliveryDuration    *prometheus.HistogramVec
	PeerStatus          *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem
	enabled := func(name string) bool { return slices.Contains(cfg.EnabledMetrics, name) }
	c := &Collector{config: cfg, registry: reg}

	if enabled("workflow") {
		c.WorkflowExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "workflow_executions_total",
			Help: "Total number of workflow executions by final status",
		}, []string{"workflow", "status"})
		c.WorkflowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "workflow_duration_seconds",
			Help:    "Duration of workflow executions in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"})
		reg.MustRegister(c.WorkflowExecutions, c.WorkflowDuration)
	}

	if enabled("action") {
		c.ActionExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "action_executions_total",
			Help: "Total number of action executions by type and status",
		}, []string{"workflow", "action_type", "status"})
		c.ActionRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "action_retries_total",
			Help: "Total number of action retry attempts",
		}, []string{"workflow", "action"})
		reg.MustRegister(c.ActionExecutions, c.ActionRetries)
	}

	if enabled("delivery") {
		c.EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "events_published_total",
			Help: "Total number of cross-server events published",
		}, []string{"event_type"})
		c.Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "event_deliveries_total",
			Help: "Total number of targeted event deliveries by result",
		}, []string{"target", "result"})
		c.DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "event_delivery_duration_seconds",
			Help:    "Duration of targeted event deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"target"})
		reg.MustRegister(c.EventsPublished, c.Deliveries, c.DeliveryDuration)
	}

	if enabled("registry") {
		c.PeerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "peer_status",
			Help: "Current health status of each registered peer (1 for the active status)",
		}, []string{"server", "status"})
		reg.MustRegister(c.PeerStatus)
	}

	if enabled("http") {
		c.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"})
		c.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})
		reg.MustRegister(c.HTTPRequestsTotal, c.HTTPRequestDuration)
	}

	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordWorkflowExecution(workflowID, status string) {
	if c.WorkflowExecutions != nil {
		c.WorkflowExecutions.WithLabelValues(workflowID, status).Inc()
	}
}

func (c *Collector) RecordWorkflowDuration(workflowID string, duration time.Duration) {
	if c.WorkflowDuration != nil {
		c.WorkflowDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	}
}

func (c *Collector) RecordActionExecution(workflowID, actionType, status string) {
	if c.ActionExecutions != nil {
		c.ActionExecutions.WithLabelValues(workflowID, actionType, status).Inc()
	}
}

func (c *Collector) RecordActionRetry(workflowID, actionID string) {
	if c.ActionRetries != nil {
		c.ActionRetries.WithLabelValues(workflowID, actionID).Inc()
	}
}

func (c *Collector) RecordEventPublished(eventType string) {
	if c.EventsPublished != nil {
		c.EventsPublished.WithLabelValues(eventType).Inc()
	}
}

func (c *Collector) RecordDelivery(target, result string, duration time.Duration) {
	if c.Deliveries != nil {
		c.Deliveries.WithLabelValues(target, result).Inc()
	}
	if c.DeliveryDuration != nil {
		c.DeliveryDuration.WithLabelValues(target).Observe(duration.Seconds())
	}
}

// RecordPeerStatus sets the peer's gauge to 1 for status and 0 for the rest.
func (c *Collector) RecordPeerStatus(serverID, status string) {
	if c.PeerStatus == nil {
		return
	}
	for _, s := range peerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.PeerStatus.WithLabelValues(serverID, s).Set(v)
	}
}

func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c.HTTPRequestsTotal != nil {
		c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	}
	if c.HTTPRequestDuration != nil {
		c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	}
}

// Middleware records every request under its matched route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
