// Package registry tracks peer services and their health.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// HealthStatus is a peer's last known health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	return s == StatusHealthy || s == StatusDegraded || s == StatusUnhealthy
}

// Usable reports whether a peer in this status may receive traffic.
func (s HealthStatus) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

const (
	DefaultHealthCheckInterval = 60 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
)

// ErrServerNotFound is returned for operations on unknown server ids.
var ErrServerNotFound = errors.New("registry: server not found")

// ServerInfo identifies a peer service.
type ServerInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	BaseURL      string       `json:"baseUrl"`
	Version      string       `json:"version,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Status       HealthStatus `json:"status"`
}

// Entry is a registered peer plus registry bookkeeping. Health checks only
// change Server.Status; the version a peer reports lands in ReportedVersion.
type Entry struct {
	Server              ServerInfo    `json:"server"`
	RegisteredAt        time.Time     `json:"registeredAt"`
	LastHealthCheck     time.Time     `json:"lastHealthCheck"`
	HealthCheckInterval time.Duration `json:"healthCheckInterval"`
	ReportedVersion     string        `json:"reportedVersion,omitempty"`
}

// Stats summarizes the registry.
type Stats struct {
	Total     int                     `json:"total"`
	Healthy   int                     `json:"healthy"`
	Degraded  int                     `json:"degraded"`
	Unhealthy int                     `json:"unhealthy"`
	Servers   map[string]HealthStatus `json:"servers"`
}

// StatusRecorder observes health status changes.
// *metrics.Collector satisfies this interface.
type StatusRecorder interface {
	RecordPeerStatus(serverID, status string)
}

type entry struct {
	Entry
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry is the service registry. It is explicitly constructed and shared
// by injection; every method is safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	entries         map[string]*entry
	client          *http.Client
	checkTimeout    time.Duration
	defaultInterval time.Duration
	logger          *slog.Logger
	recorder        StatusRecorder
	now             func() time.Time
	wg              sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for health checks.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithCheckTimeout overrides the per-check timeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *Registry) { r.checkTimeout = d }
}

// WithDefaultInterval overrides the interval used when Register gets zero.
func WithDefaultInterval(d time.Duration) Option {
	return func(r *Registry) { r.defaultInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithStatusRecorder sets an observer for status changes.
func WithStatusRecorder(rec StatusRecorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:         make(map[string]*entry),
		client:          &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		checkTimeout:    DefaultHealthCheckTimeout,
		defaultInterval: DefaultHealthCheckInterval,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a peer, performs one health check immediately and
// starts a recurring check every interval (the default when zero). Any loop
// from a previous registration of the same id is cancelled first.
func (r *Registry) Register(ctx context.Context, info ServerInfo, interval time.Duration) error {
	if info.ID == "" {
		return errors.New("registry: server id is required")
	}
	if info.BaseURL == "" {
		return fmt.Errorf("registry: base url is required for %q", info.ID)
	}
	if interval <= 0 {
		interval = r.defaultInterval
	}
	info.BaseURL = strings.TrimRight(info.BaseURL, "/")
	info.Capabilities = slices.Clone(info.Capabilities)
	if !info.Status.Valid() {
		info.Status = StatusUnhealthy
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		Entry: Entry{
			Server:              info,
			RegisteredAt:        r.now(),
			HealthCheckInterval: interval,
		},
		ctx:    loopCtx,
		cancel: cancel,
	}

	r.mu.Lock()
	if prev, ok := r.entries[info.ID]; ok {
		prev.cancel()
	}
	r.entries[info.ID] = e
	r.mu.Unlock()

	r.logger.Info("Server registered", "server", info.ID, "baseUrl", info.BaseURL, "interval", interval)

	r.check(ctx, e)

	r.wg.Add(1)
	go r.loop(e)
	return nil
}

func (r *Registry) loop(e *entry) {
	defer r.wg.Done()
	ticker := time.NewTicker(e.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.ctx.Err() != nil {
				return
			}
			r.check(e.ctx, e)
		}
	}
}

// Unregister cancels the peer's health loop and removes it.
func (r *Registry) Unregister(serverID string) bool {
	r.mu.Lock()
	e, ok := r.entries[serverID]
	if ok {
		e.cancel()
		delete(r.entries, serverID)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("Server unregistered", "server", serverID)
	}
	return ok
}

// GetServer returns the peer's current info.
func (r *Registry) GetServer(serverID string) (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serverID]
	if !ok {
		return ServerInfo{}, false
	}
	return cloneInfo(e.Server), true
}

// GetEntry returns the peer's registry entry.
func (r *Registry) GetEntry(serverID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serverID]
	if !ok {
		return Entry{}, false
	}
	out := e.Entry
	out.Server = cloneInfo(e.Server)
	return out, true
}

// ListServers returns every registered peer sorted by id.
func (r *Registry) ListServers() []ServerInfo {
	return r.list(func(ServerInfo) bool { return true })
}

// ListHealthyServers returns peers that are healthy or degraded.
func (r *Registry) ListHealthyServers() []ServerInfo {
	return r.list(func(s ServerInfo) bool { return s.Status.Usable() })
}

// ListByCapability returns usable peers advertising capability.
func (r *Registry) ListByCapability(capability string) []ServerInfo {
	return r.list(func(s ServerInfo) bool {
		return s.Status.Usable() && slices.Contains(s.Capabilities, capability)
	})
}

func (r *Registry) list(keep func(ServerInfo) bool) []ServerInfo {
	r.mu.RLock()
	out := make([]ServerInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e.Server) {
			out = append(out, cloneInfo(e.Server))
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ServerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// UpdateStatus sets a peer's status directly.
func (r *Registry) UpdateStatus(serverID string, status HealthStatus) error {
	if !status.Valid() {
		return fmt.Errorf("registry: invalid status %q", status)
	}
	r.mu.Lock()
	e, ok := r.entries[serverID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	changed := e.Server.Status != status
	e.Server.Status = status
	r.mu.Unlock()

	if changed {
		r.logger.Info("Server status changed", "server", serverID, "status", status)
	}
	if r.recorder != nil {
		r.recorder.RecordPeerStatus(serverID, string(status))
	}
	return nil
}

// HealthCheck checks the peer once and reports whether it is usable.
func (r *Registry) HealthCheck(ctx context.Context, serverID string) bool {
	r.mu.RLock()
	e, ok := r.entries[serverID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.check(ctx, e).Usable()
}

// CheckAll checks every registered peer concurrently and returns the
// resulting statuses.
func (r *Registry) CheckAll(ctx context.Context) map[string]HealthStatus {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]HealthStatus, len(entries))
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			status := r.check(ctx, e)
			mu.Lock()
			results[e.Server.ID] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// check queries e and applies the result if e is still the registered entry
// for its id.
func (r *Registry) check(ctx context.Context, e *entry) HealthStatus {
	r.mu.RLock()
	id, baseURL := e.Server.ID, e.Server.BaseURL
	r.mu.RUnlock()

	resp, err := r.fetchHealth(ctx, baseURL)
	status := StatusUnhealthy
	version := ""
	if err != nil {
		r.logger.Warn("Health check failed", "server", id, "error", err)
	} else {
		status = resp.Status
		version = resp.Version
	}

	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok || current != e {
		r.mu.Unlock()
		return status
	}
	prev := e.Server.Status
	e.Server.Status = status
	e.LastHealthCheck = r.now()
	if version != "" {
		e.ReportedVersion = version
	}
	r.mu.Unlock()

	if prev != status {
		r.logger.Info("Server status changed", "server", id, "from", prev, "to", status)
	}
	if r.recorder != nil {
		r.recorder.RecordPeerStatus(id, string(status))
	}
	return status
}

// Stats summarizes peer health.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.entries), Servers: make(map[string]HealthStatus, len(r.entries))}
	for id, e := range r.entries {
		s.Servers[id] = e.Server.Status
		switch e.Server.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		default:
			s.Unhealthy++
		}
	}
	return s
}

// Clear cancels every health loop and removes every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	for id, e := range r.entries {
		e.cancel()
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// Close clears the registry and waits for the health loops to exit.
func (r *Registry) Close() {
	r.Clear()
	r.wg.Wait()
}

func cloneInfo(s ServerInfo) ServerInfo {
	s.Capabilities = slices.Clone(s.Capabilities)
	return s
}
