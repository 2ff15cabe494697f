package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/internal/tasks"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// Service is the slice of the gateway the HTTP layer needs.
type Service interface {
	Enqueue(ctx context.Context, name string, kwargs map[string]any) (types.JobID, error)
	Status(ctx context.Context, id types.JobID) (gateway.StatusView, error)
	Revoke(ctx context.Context, id types.JobID, terminate bool) (bool, error)
	Allowed() []string
}

var _ Service = (*gateway.Gateway)(nil)

// EnqueueRequest submits an arbitrary registered task.
type EnqueueRequest struct {
	TaskName string         `json:"task_name" validate:"required"`
	Kwargs   map[string]any `json:"kwargs"`
}

// LongDemoRequest submits long_demo with bounded arguments.
type LongDemoRequest struct {
	Text  string   `json:"text"`
	Steps *int     `json:"steps" validate:"omitempty,gte=1,lte=100"`
	Delay *float64 `json:"delay" validate:"omitempty,gte=0,lte=10"`
}

// RevokeRequest is the optional body of a revoke call.
type RevokeRequest struct {
	Terminate bool `json:"terminate"`
}

type SubmitResponse struct {
	TaskID types.JobID `json:"task_id"`
}

type RevokeResponse struct {
	TaskID  types.JobID `json:"task_id"`
	Revoked bool        `json:"revoked"`
}

// TaskHandler serves the /api/v1/tasks routes.
type TaskHandler struct {
	svc Service
	log *slog.Logger
}

// NewTaskHandler returns a handler over svc. A nil logger uses slog.Default.
func NewTaskHandler(svc Service, log *slog.Logger) *TaskHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{svc: svc, log: log.With("component", "http")}
}

// Enqueue handles POST /tasks/enqueue.
func (h *TaskHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	h.submit(w, r, req.TaskName, req.Kwargs)
}

// LongDemo handles POST /tasks/long-demo.
func (h *TaskHandler) LongDemo(w http.ResponseWriter, r *http.Request) {
	var req LongDemoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		respondError(w, r, h.log, err)
		return
	}

	steps, delay := 5, 0.5
	if req.Steps != nil {
		steps = *req.Steps
	}
	if req.Delay != nil {
		delay = *req.Delay
	}
	h.submit(w, r, tasks.NameLongDemo, map[string]any{"text": req.Text, "steps": steps, "delay": delay})
}

// Ping handles POST /tasks/ping.
func (h *TaskHandler) Ping(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, tasks.NamePing, nil)
}

func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request, name string, kwargs map[string]any) {
	id, err := h.svc.Enqueue(r.Context(), name, kwargs)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, SubmitResponse{TaskID: id})
}

// Allowed handles GET /tasks/allowed.
func (h *TaskHandler) Allowed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Allowed())
}

// Status handles GET /tasks/{task_id}/status.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "task_id"))
	view, err := h.svc.Status(r.Context(), id)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Revoke handles POST /tasks/{task_id}/revoke. terminate comes from the body
// or the query string.
func (h *TaskHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "task_id"))

	var req RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.log, err)
		return
	}
	if q := r.URL.Query().Get("terminate"); q != "" {
		t, err := strconv.ParseBool(q)
		if err != nil {
			respondError(w, r, h.log, ErrValidation)
			return
		}
		req.Terminate = req.Terminate || t
	}

	revoked, err := h.svc.Revoke(r.Context(), id, req.Terminate)
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, RevokeResponse{TaskID: id, Revoked: revoked})
}
