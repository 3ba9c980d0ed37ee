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

// WebhookHandler serves the webhook endpoint configuration and the delivery
// history.
type WebhookHandler struct {
	apps     *service.AppService
	webhooks *service.WebhookService
	logger   logger.Logger
}

func NewWebhookHandler(apps *service.AppService, webhooks *service.WebhookService, log logger.Logger) *WebhookHandler {
	return &WebhookHandler{apps: apps, webhooks: webhooks, logger: log}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeManageApp))
		r.Put("/webhook", h.handleConfigure)
		r.Post("/webhooks/deliveries/{id}/retry", h.handleRetry)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeReadEmail))
		r.Get("/webhooks/deliveries", h.handleList)
		r.Get("/webhooks/deliveries/{id}", h.handleGet)
	})
}

// handleConfigure sets or clears the tenant webhook URL. Setting rotates the
// signing secret, which appears in this response and never again.
func (h *WebhookHandler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}

	app, secret, err := h.apps.ConfigureWebhook(r.Context(), auth.App.ID, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"webhook_url": app.WebhookURL,
	}
	if secret != "" {
		resp["secret"] = secret
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WebhookHandler) handleList(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deliveries, next, err := h.webhooks.List(r.Context(), auth.App.ID, parseLimit(r), cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, deliveries, next)
}

func (h *WebhookHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	delivery, err := h.webhooks.Get(r.Context(), auth.App.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (h *WebhookHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.webhooks.RetryNow(r.Context(), auth.App.ID, id); err != nil {
		writeError(w, err)
		return
	}
	delivery, err := h.webhooks.Get(r.Context(), auth.App.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, delivery)
}
