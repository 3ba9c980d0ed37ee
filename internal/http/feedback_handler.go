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

// FeedbackHandler is the ingress for provider feedback: delivery receipts,
// bounces, complaints and unsubscribes.
type FeedbackHandler struct {
	bounces *service.BounceService
	logger  logger.Logger
}

func NewFeedbackHandler(bounces *service.BounceService, log logger.Logger) *FeedbackHandler {
	return &FeedbackHandler{bounces: bounces, logger: log}
}

func (h *FeedbackHandler) RegisterRoutes(r chi.Router, auth *middleware.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(domain.ScopeSendEmail))
		r.Post("/feedback/delivered", h.handleDelivered)
		r.Post("/feedback/bounce", h.handleBounce)
		r.Post("/feedback/complaint", h.handleComplaint)
		r.Post("/feedback/unsubscribe", h.handleUnsubscribe)
	})
}

type feedbackRequest struct {
	EmailID   string `json:"email_id"`
	Recipient string `json:"recipient"`
	Type      string `json:"type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Source    string `json:"source,omitempty"`
}

func decodeFeedback(w http.ResponseWriter, r *http.Request) (*feedbackRequest, bool) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid JSON body"))
		return nil, false
	}
	if req.EmailID == "" {
		writeError(w, domain.NewFieldValidationError("email_id", "email_id is required"))
		return nil, false
	}
	return &req, true
}

func (h *FeedbackHandler) handleDelivered(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	if err := h.bounces.RecordDelivered(r.Context(), auth.App.ID, req.EmailID, req.Recipient); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *FeedbackHandler) handleBounce(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	if err := h.bounces.RecordBounce(r.Context(), auth.App.ID, req.EmailID, req.Recipient, req.Type, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *FeedbackHandler) handleComplaint(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	if err := h.bounces.RecordComplaint(r.Context(), auth.App.ID, req.EmailID, req.Recipient, req.Type); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (h *FeedbackHandler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	auth := tenant(w, r)
	if auth == nil {
		return
	}
	req, ok := decodeFeedback(w, r)
	if !ok {
		return
	}
	if err := h.bounces.RecordUnsubscribe(r.Context(), auth.App.ID, req.EmailID, req.Recipient, req.Source); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}
