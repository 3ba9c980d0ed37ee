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

// SMTPConfigHandler serves the tenant SMTP configuration endpoints. The
// password travels only in requests; responses never echo it.
type SMTPConfigHandler struct {
	configs *service.SMTPConfigService
	logger  logger.Logger
}

func NewSMTPConfigHandler(configs *service.SMTPConfigService, log logger.Logger) *SMTPConfigHandler {
	return &SMTPConfigHandler{configs: configs, logger: log}
}

func (h *SMTPConfigHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeManageQueue))
		r.Post("/smtp-configs", h.handleCreate)
		r.Get("/smtp-configs", h.handleList)
		r.Get("/smtp-configs/{id}", h.handleGet)
		r.Put("/smtp-configs/{id}", h.handleUpdate)
		r.Delete("/smtp-configs/{id}", h.handleDelete)
	})
}

type smtpConfigRequest struct {
	domain.SMTPConfig
	Password string `json:"password"`
}

func (h *SMTPConfigHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var req smtpConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	req.AppID = auth.App.ID

	created, err := h.configs.Create(r.Context(), &req.SMTPConfig, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *SMTPConfigHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	cfg, err := h.configs.Get(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *SMTPConfigHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	configs, err := h.configs.List(r.Context(), auth.App.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": configs})
}

func (h *SMTPConfigHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var req smtpConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	req.ID = chi.URLParam(r, "id")
	req.AppID = auth.App.ID

	updated, err := h.configs.Update(r.Context(), &req.SMTPConfig, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *SMTPConfigHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	if err := h.configs.Delete(r.Context(), auth.App.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
