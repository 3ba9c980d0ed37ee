package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/http/middleware"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
)

// QueueHandler serves queue management and stats endpoints.
type QueueHandler struct {
	queues *service.QueueService
	logger logger.Logger
}

func NewQueueHandler(queues *service.QueueService, log logger.Logger) *QueueHandler {
	return &QueueHandler{queues: queues, logger: log}
}

func (h *QueueHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeManageQueue))
		r.Post("/queues", h.handleCreate)
		r.Get("/queues", h.handleList)
		r.Get("/queues/{id}", h.handleGet)
		r.Patch("/queues/{id}", h.handleUpdate)
		r.Put("/queues/{id}", h.handleUpdate)
		r.Delete("/queues/{id}", h.handleDelete)
		r.Post("/queues/{id}/pause", h.handlePause)
		r.Post("/queues/{id}/resume", h.handleResume)
		r.Get("/queues/{id}/stats", h.handleStats)
	})
}

func (h *QueueHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var queue domain.Queue
	if err := json.NewDecoder(r.Body).Decode(&queue); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	queue.AppID = auth.App.ID

	created, err := h.queues.Create(r.Context(), &queue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *QueueHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	queue, err := h.queues.Get(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *QueueHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	queues, err := h.queues.List(r.Context(), auth.App.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": queues})
}

func (h *QueueHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var queue domain.Queue
	if err := json.NewDecoder(r.Body).Decode(&queue); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	queue.ID = chi.URLParam(r, "id")
	queue.AppID = auth.App.ID

	updated, err := h.queues.Update(r.Context(), &queue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *QueueHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	if err := h.queues.Delete(r.Context(), auth.App.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *QueueHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *QueueHandler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	if paused {
		err = h.queues.Pause(r.Context(), auth.App.ID, id)
	} else {
		err = h.queues.Resume(r.Context(), auth.App.ID, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	queue, err := h.queues.Get(r.Context(), auth.App.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *QueueHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	stats, err := h.queues.Stats(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
