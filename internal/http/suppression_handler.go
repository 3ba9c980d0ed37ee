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

// SuppressionHandler serves the do-not-send list endpoints.
type SuppressionHandler struct {
	suppressions *service.SuppressionService
	logger       logger.Logger
}

func NewSuppressionHandler(suppressions *service.SuppressionService, log logger.Logger) *SuppressionHandler {
	return &SuppressionHandler{suppressions: suppressions, logger: log}
}

func (h *SuppressionHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeManageQueue))
		r.Post("/suppressions", h.handleAdd)
		r.Post("/suppressions/bulk", h.handleBulkAdd)
		r.Delete("/suppressions/{id}", h.handleDelete)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeReadEmail))
		r.Get("/suppressions", h.handleList)
		r.Get("/suppressions/check", h.handleCheck)
	})
}

type addSuppressionRequest struct {
	Email     string                   `json:"email"`
	Reason    domain.SuppressionReason `json:"reason"`
	ExpiresAt *time.Time               `json:"expires_at,omitempty"`
}

func (h *SuppressionHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var req addSuppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	if req.Reason == "" {
		req.Reason = domain.SuppressionManual
	}

	suppression, err := h.suppressions.Add(r.Context(), auth.App.ID, req.Email, req.Reason, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, suppression)
}

func (h *SuppressionHandler) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var req struct {
		Entries []service.BulkAddEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}

	result, err := h.suppressions.BulkAdd(r.Context(), auth.App.ID, req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (h *SuppressionHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	suppressions, next, err := h.suppressions.List(r.Context(), auth.App.ID, parseLimit(r), cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, suppressions, next)
}

// handleCheck reports whether an address is currently suppressed for the
// tenant, including by a global rule.
func (h *SuppressionHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	email := r.URL.Query().Get("email")
	if email == "" {
		writeError(w, domain.NewFieldValidationError("email", "email query parameter is required"))
		return
	}

	suppression, err := h.suppressions.Check(r.Context(), auth.App.ID, email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suppressed":  suppression != nil,
		"suppression": suppression,
	})
}

func (h *SuppressionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	if err := h.suppressions.Delete(r.Context(), auth.App.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
