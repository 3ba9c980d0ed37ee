package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
)

// openPixel is a 1x1 transparent GIF.
var openPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingHandler serves the unauthenticated open-pixel and click-redirect
// endpoints referenced from rewritten email bodies.
type TrackingHandler struct {
	tracking *service.TrackingService
	logger   logger.Logger
}

func NewTrackingHandler(tracking *service.TrackingService, log logger.Logger) *TrackingHandler {
	return &TrackingHandler{tracking: tracking, logger: log}
}

func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/t/o/{emailID}", h.handleOpen)
	r.Get("/t/c/{code}", h.handleClick)
}

// handleOpen always returns the pixel; a bad or stale id must not break
// image rendering in the recipient's client.
func (h *TrackingHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	emailID := chi.URLParam(r, "emailID")
	h.tracking.RecordOpen(r.Context(), emailID, r.UserAgent(), clientIP(r))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openPixel)
}

func (h *TrackingHandler) handleClick(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	target, err := h.tracking.RecordClick(r.Context(), code, r.UserAgent())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
