// Package api exposes the eventflow HTTP surface: health, event publishing
// and receipt, workflow triggering, execution history, the peer registry and
// role assignments.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/crossserver"
	"github.com/GoCodeAlone/eventflow/eventbus"
	"github.com/GoCodeAlone/eventflow/metrics"
	"github.com/GoCodeAlone/eventflow/observability/tracing"
	"github.com/GoCodeAlone/eventflow/registry"
	"github.com/GoCodeAlone/eventflow/scheduler"
	"github.com/GoCodeAlone/eventflow/store"
	"github.com/GoCodeAlone/eventflow/workflow"
)

const maxBody = 1 << 20

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Config holds configuration for the API layer.
type Config struct {
	ServerID  string
	Version   string
	StartedAt time.Time

	// UserHeader carries the caller's user id. Defaults to X-User-ID.
	UserHeader string

	// Checks are reported under "dependencies" in GET /health. Any failing
	// check marks the server degraded.
	Checks map[string]HealthCheck

	// SaveRoles persists role assignments after they change. Optional.
	SaveRoles func([]rbac.UserRoles) error

	Logger *slog.Logger
}

// Services groups the components the API serves. Executions, Scheduler,
// Metrics, Publisher and Seen may be nil.
type Services struct {
	Bus        *eventbus.Bus
	Publisher  *crossserver.Publisher
	Engine     *workflow.Engine
	Executions store.ExecutionStore
	Registry   *registry.Registry
	Roles      *rbac.RoleManager
	Scheduler  *scheduler.CronScheduler
	Metrics    *metrics.Collector
	Seen       store.SeenStore
}

// NewRouter creates an http.Handler with every route registered. Peer-facing
// routes (health, event receipt, metrics) are open; everything else requires
// a user holding the route's permission.
func NewRouter(svc Services, cfg Config) http.Handler {
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-User-ID"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	mux := http.NewServeMux()
	extract := rbac.HeaderUserExtractor(cfg.UserHeader)
	require := func(perm rbac.Permission, h http.HandlerFunc) http.Handler {
		return rbac.Middleware(svc.Roles, perm, extract)(h)
	}

	// --- Health & metrics ---
	healthH := &HealthHandler{cfg: cfg}
	mux.HandleFunc("GET /health", healthH.Health)
	if svc.Metrics != nil {
		mux.Handle("GET /metrics", svc.Metrics.Handler())
	}

	// --- Events ---
	var recvOpts []crossserver.ReceiverOption
	if svc.Seen != nil {
		recvOpts = append(recvOpts, crossserver.WithDeduplicator(svc.Seen))
	}
	crossserver.NewReceiver(svc.Bus, cfg.Logger, recvOpts...).RegisterRoutes(mux)
	if svc.Publisher != nil {
		evH := NewEventsHandler(svc.Publisher)
		mux.Handle("POST /api/events", require(rbac.PermExecuteWorkflows, evH.Publish))
	}

	// --- Workflows ---
	wfH := NewWorkflowHandler(svc.Engine, svc.Executions)
	mux.Handle("GET /api/workflows", require(rbac.PermExecuteWorkflows, wfH.List))
	mux.Handle("GET /api/workflows/{id}", require(rbac.PermExecuteWorkflows, wfH.Get))
	mux.Handle("POST /api/workflows/{id}/trigger", require(rbac.PermExecuteWorkflows, wfH.Trigger))
	mux.Handle("GET /api/workflows/{id}/executions", require(rbac.PermExecuteWorkflows, wfH.Executions))

	// --- Executions ---
	exH := NewExecutionHandler(svc.Engine.Executor(), svc.Executions)
	mux.Handle("GET /api/executions/{id}", require(rbac.PermExecuteWorkflows, exH.Get))
	mux.Handle("POST /api/executions/{id}/cancel", require(rbac.PermManageWorkflows, exH.Cancel))

	// --- Registry ---
	regH := NewRegistryHandler(svc.Registry)
	mux.Handle("GET /api/registry/servers", require(rbac.PermExecuteWorkflows, regH.ListServers))
	mux.Handle("GET /api/registry/servers/{id}", require(rbac.PermExecuteWorkflows, regH.GetServer))
	mux.Handle("GET /api/registry/stats", require(rbac.PermExecuteWorkflows, regH.Stats))
	mux.Handle("POST /api/registry/servers/{id}/check", require(rbac.PermManageWorkflows, regH.Check))

	// --- Roles ---
	roleH := NewRoleHandler(svc.Roles, cfg.SaveRoles, cfg.Logger)
	mux.Handle("GET /api/roles", require(rbac.PermManageUsers, roleH.List))
	mux.Handle("GET /api/roles/{userId}", require(rbac.PermManageUsers, roleH.Get))
	mux.Handle("PUT /api/roles/{userId}", require(rbac.PermManageUsers, roleH.Assign))
	mux.Handle("DELETE /api/roles/{userId}", require(rbac.PermManageUsers, roleH.Revoke))

	// --- Schedules ---
	if svc.Scheduler != nil {
		sub := http.NewServeMux()
		scheduler.NewHandler(svc.Scheduler).RegisterRoutes(sub)
		guarded := rbac.Middleware(svc.Roles, rbac.PermManageWorkflows, extract)(sub)
		mux.Handle("/api/schedules", guarded)
		mux.Handle("/api/schedules/", guarded)
	}

	var h http.Handler = mux
	h = tracing.SpanMiddleware(h)
	if svc.Metrics != nil {
		h = svc.Metrics.Middleware(h)
	}
	return h
}
