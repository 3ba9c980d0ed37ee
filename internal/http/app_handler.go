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

// AppHandler serves the admin surface: tenant lifecycle and API key minting.
type AppHandler struct {
	apps   *service.AppService
	logger logger.Logger
}

func NewAppHandler(apps *service.AppService, log logger.Logger) *AppHandler {
	return &AppHandler{apps: apps, logger: log}
}

func (h *AppHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/apps", h.handleCreate)
		r.Get("/apps/{id}", h.handleGet)
		r.Put("/apps/{id}", h.handleUpdate)
		r.Delete("/apps/{id}", h.handleDelete)
		r.Post("/apps/{id}/api-keys", h.handleCreateAPIKey)
		r.Delete("/apps/{id}/api-keys/{keyID}", h.handleRevokeAPIKey)
	})
}

func (h *AppHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var app domain.App
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	created, err := h.apps.Create(r.Context(), &app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AppHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	app, err := h.apps.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *AppHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var app domain.App
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	app.ID = chi.URLParam(r, "id")
	updated, err := h.apps.Update(r.Context(), &app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AppHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.apps.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateAPIKey mints a key. The plaintext token appears only in this
// response.
func (h *AppHandler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return
	}
	key, token, err := h.apps.CreateAPIKey(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
		"token":   token,
	})
}

func (h *AppHandler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.apps.RevokeAPIKey(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "keyID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
