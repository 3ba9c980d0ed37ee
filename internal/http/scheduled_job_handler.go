package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/http/middleware"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
)

// ScheduledJobHandler serves the recurring-send endpoints.
type ScheduledJobHandler struct {
	scheduler *service.SchedulerService
	logger    logger.Logger
}

func NewScheduledJobHandler(scheduler *service.SchedulerService, log logger.Logger) *ScheduledJobHandler {
	return &ScheduledJobHandler{scheduler: scheduler, logger: log}
}

func (h *ScheduledJobHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeManageQueue))
		r.Post("/scheduled-jobs", h.handleCreate)
		r.Get("/scheduled-jobs", h.handleList)
		r.Get("/scheduled-jobs/{id}", h.handleGet)
		r.Put("/scheduled-jobs/{id}", h.handleUpdate)
		r.Delete("/scheduled-jobs/{id}", h.handleDelete)
		r.Post("/scheduled-jobs/validate-cron", h.handleValidateCron)
	})
}

func (h *ScheduledJobHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var job domain.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	job.AppID = auth.App.ID

	created, err := h.scheduler.Create(r.Context(), &job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *ScheduledJobHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	job, err := h.scheduler.Get(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *ScheduledJobHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	jobs, err := h.scheduler.List(r.Context(), auth.App.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": jobs})
}

func (h *ScheduledJobHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var job domain.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	job.ID = chi.URLParam(r, "id")
	job.AppID = auth.App.ID

	updated, err := h.scheduler.Update(r.Context(), &job)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ScheduledJobHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	if err := h.scheduler.Delete(r.Context(), auth.App.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateCron checks an expression without creating a job, returning
// the next few fire times in the requested timezone.
func (h *ScheduledJobHandler) handleValidateCron(w http.ResponseWriter, r *http.Request) {
	if auth := tenant(w, r); auth == nil {
		return
	}
	var req struct {
		Cron     string `json:"cron"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}

	now := time.Now().UTC()
	next := make([]time.Time, 0, 3)
	from := now
	for i := 0; i < 3; i++ {
		at, err := service.ValidateCron(req.Cron, req.Timezone, from)
		if err != nil {
			writeError(w, err)
			return
		}
		next = append(next, at)
		from = at
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"next_runs": next,
	})
}
