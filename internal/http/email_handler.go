package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/http/middleware"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
	"github.com/sendline/sendline/pkg/ratelimiter"
)

// EmailHandler serves the email submission and lifecycle endpoints.
type EmailHandler struct {
	admission *service.AdmissionService
	emails    *service.EmailService
	logger    logger.Logger
}

func NewEmailHandler(admission *service.AdmissionService, emails *service.EmailService, log logger.Logger) *EmailHandler {
	return &EmailHandler{admission: admission, emails: emails, logger: log}
}

func (h *EmailHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeSendEmail))
		r.Post("/emails", h.handleCreate)
		r.Post("/emails/batch", h.handleCreateBatch)
		r.Delete("/emails/{id}", h.handleCancel)
		r.Post("/emails/{id}/cancel", h.handleCancel)
		r.Post("/emails/{id}/retry", h.handleRetry)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeReadEmail))
		r.Get("/emails", h.handleList)
		r.Get("/emails/{id}", h.handleGet)
		r.Get("/emails/{id}/events", h.handleEvents)
	})
}

// tenant pulls the authenticated tenant off the request, failing admin
// requests that never resolved one.
func tenant(w http.ResponseWriter, r *http.Request) *service.AuthContext {
	auth := middleware.AuthFromContext(r.Context())
	if auth == nil || auth.App == nil {
		writeError(w, &domain.UnauthorizedError{Message: "no tenant resolved for request"})
		return nil
	}
	return auth
}

func (h *EmailHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}

	var req domain.CreateEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}

	var idempotencyKey *string
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		idempotencyKey = &key
	}

	email, replayed, rate, err := h.admission.Submit(r.Context(), auth, &req, idempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	setRateLimitHeaders(w, rate)
	if replayed {
		w.Header().Set("X-Idempotency-Replayed", "true")
		writeJSON(w, http.StatusOK, email)
		return
	}
	writeJSON(w, http.StatusCreated, email)
}

// setRateLimitHeaders reports the caller's api-key window on accepted
// submissions; replays and keyless callers carry no window.
func setRateLimitHeaders(w http.ResponseWriter, res *ratelimiter.Result) {
	if res == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}

func (h *EmailHandler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}

	var req domain.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}

	result, err := h.admission.SubmitBatch(r.Context(), auth, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	// Any accepted entry makes the batch a success; per-index errors carry
	// the partial failures.
	status := http.StatusCreated
	if result.QueuedCount == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (h *EmailHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	email, err := h.emails.Get(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (h *EmailHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	filter := domain.EmailListFilter{
		AppID:  auth.App.ID,
		Status: domain.EmailStatus(r.URL.Query().Get("status")),
		Limit:  parseLimit(r),
		Cursor: cursor,
	}
	if queueID := r.URL.Query().Get("queue_id"); queueID != "" {
		filter.QueueID = queueID
	}

	emails, next, err := h.emails.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, emails, next)
}

func (h *EmailHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	events, err := h.emails.Events(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": events})
}

func (h *EmailHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	email, err := h.emails.Cancel(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (h *EmailHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	email, err := h.emails.Retry(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}
