package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Handler serves the schedule-trigger endpoints. Responses use the same
// {"data":...} / {"error":"..."} envelope as the rest of the API.
type Handler struct {
	scheduler *CronScheduler
}

// NewHandler creates a new scheduler HTTP handler.
func NewHandler(scheduler *CronScheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes registers scheduler API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/schedules", h.listJobs)
	mux.HandleFunc("GET /api/schedules/preview", h.previewNextRuns)
	mux.HandleFunc("GET /api/schedules/{id}", h.getJob)
	mux.HandleFunc("GET /api/schedules/{id}/history", h.jobHistory)
	mux.HandleFunc("POST /api/schedules/{id}/execute", h.executeJob)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeList(w, h.scheduler.List())
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.scheduler.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	writeData(w, http.StatusOK, job)
}

func (h *Handler) executeJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.scheduler.ExecuteNow(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (h *Handler) jobHistory(w http.ResponseWriter, r *http.Request) {
	writeList(w, h.scheduler.History(r.PathValue("id")))
}

func (h *Handler) previewNextRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spec := Spec{Cron: q.Get("cron"), Timezone: q.Get("timezone")}
	if every := q.Get("interval"); every != "" {
		d, err := time.ParseDuration(every)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		spec.Interval = d
	}
	if spec.Cron == "" && spec.Interval == 0 {
		writeError(w, http.StatusBadRequest, "cron or interval query parameter required")
		return
	}
	count := 5
	if n, err := strconv.Atoi(q.Get("count")); err == nil && n > 0 && n <= 20 {
		count = n
	}

	times, err := h.scheduler.NextRuns(spec, count)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expr, _ := spec.Expression()
	writeData(w, http.StatusOK, preview{Expression: expr, NextRuns: times})
}

type preview struct {
	Expression string      `json:"expression"`
	NextRuns   []time.Time `json:"nextRuns"`
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Total *int   `json:"total,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, v any) {
	write(w, status, envelope{Data: v})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	write(w, http.StatusOK, envelope{Data: items, Total: &n})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	write(w, status, envelope{Error: msg})
}

func write(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
