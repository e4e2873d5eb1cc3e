package api

import (
	"errors"
	"net/http"

	"github.com/GoCodeAlone/eventflow/store"
	"github.com/GoCodeAlone/eventflow/workflow"
)

// ExecutionHandler handles execution lookup and cancellation.
type ExecutionHandler struct {
	executor   *workflow.Executor
	executions store.ExecutionStore
}

// NewExecutionHandler creates a new ExecutionHandler. executions may be nil.
func NewExecutionHandler(executor *workflow.Executor, executions store.ExecutionStore) *ExecutionHandler {
	return &ExecutionHandler{executor: executor, executions: executions}
}

// Get handles GET /api/executions/{id}. Runs still retained by the executor
// win over the store so in-flight state is current.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if exec, ok := h.executor.Get(id); ok {
		WriteJSON(w, http.StatusOK, exec)
		return
	}
	if h.executions != nil {
		exec, err := h.executions.Get(r.Context(), id)
		if err == nil {
			WriteJSON(w, http.StatusOK, exec)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusInternalServerError, "failed to load execution")
			return
		}
	}
	WriteError(w, http.StatusNotFound, "execution not found")
}

// Cancel handles POST /api/executions/{id}/cancel.
func (h *ExecutionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.executor.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound):
		WriteError(w, http.StatusNotFound, "execution not found")
		return
	case err != nil:
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	exec, _ := h.executor.Get(id)
	WriteJSON(w, http.StatusOK, exec)
}
