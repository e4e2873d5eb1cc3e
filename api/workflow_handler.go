package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/GoCodeAlone/eventflow/auth/rbac"
	"github.com/GoCodeAlone/eventflow/store"
	"github.com/GoCodeAlone/eventflow/workflow"
)

const defaultExecutionLimit = 50

// WorkflowHandler handles workflow definition endpoints.
type WorkflowHandler struct {
	engine     *workflow.Engine
	executions store.ExecutionStore
}

// NewWorkflowHandler creates a new WorkflowHandler. executions may be nil, in
// which case history comes from the executor's retained runs.
func NewWorkflowHandler(engine *workflow.Engine, executions store.ExecutionStore) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, executions: executions}
}

// workflowView is a definition plus its execution counters.
type workflowView struct {
	*workflow.WorkflowDefinition
	ExecutionCount int64      `json:"executionCount"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
}

func newWorkflowView(d *workflow.WorkflowDefinition) workflowView {
	count, last := d.Stats()
	v := workflowView{WorkflowDefinition: d, ExecutionCount: count}
	if !last.IsZero() {
		v.LastExecuted = &last
	}
	return v
}

// List handles GET /api/workflows.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	defs := h.engine.List()
	out := make([]workflowView, 0, len(defs))
	for _, d := range defs {
		out = append(out, newWorkflowView(d))
	}
	WriteList(w, out)
}

// Get handles GET /api/workflows/{id}.
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, ok := h.engine.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "workflow not found")
		return
	}
	WriteJSON(w, http.StatusOK, newWorkflowView(d))
}

// Trigger handles POST /api/workflows/{id}/trigger. The caller becomes the
// requester; the run is synchronous and its execution is returned whatever
// its final status.
func (h *WorkflowHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req workflow.ManualRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if user, ok := rbac.UserIDFromContext(r.Context()); ok {
		req.RequestedBy = user
	}
	if req.ProgramID == "" {
		req.ProgramID = rbac.ProgramIDFromContext(r.Context())
	}

	exec, err := h.engine.TriggerManual(r.Context(), r.PathValue("id"), req)
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		WriteError(w, http.StatusNotFound, "workflow not found")
		return
	case errors.Is(err, workflow.ErrApprovalRequired):
		WriteError(w, http.StatusForbidden, err.Error())
		return
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

// Executions handles GET /api/workflows/{id}/executions?limit=N, newest
// first.
func (h *WorkflowHandler) Executions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", defaultExecutionLimit)

	if h.executions != nil {
		execs, err := h.executions.ListByWorkflow(r.Context(), id, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		WriteList(w, execs)
		return
	}

	execs := h.engine.Executor().List(id)
	if len(execs) > limit {
		execs = execs[:limit]
	}
	WriteList(w, execs)
}
