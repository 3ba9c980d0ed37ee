package http

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

const healthCheckTimeout = 2 * time.Second

// RedisPinger is the slice of the rate limiter the health check needs.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// BrokerStats is the slice of the job broker the health check needs.
type BrokerStats interface {
	Stats(ctx context.Context, queue string) (*domain.JobStats, error)
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db     *sql.DB
	redis  RedisPinger
	broker BrokerStats
	logger logger.Logger
}

func NewHealthHandler(db *sql.DB, redis RedisPinger, jobBroker BrokerStats, log logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, broker: jobBroker, logger: log}
}

func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/health/detailed", h.handleDetailed)
	r.Get("/health/ready", h.handleReady)
	r.Get("/ready", h.handleReady)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDetailed reports per-dependency status plus broker depth per logical
// queue. Redis being down degrades the report but not the status code: rate
// limiting fails open, so the service still accepts traffic.
func (h *HealthHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"postgresql": "ok", "redis": "ok"}
	status := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		checks["postgresql"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.redis.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
	}

	queues := map[string]interface{}{}
	if h.broker != nil {
		for _, name := range []string{domain.JobQueueEmail, domain.JobQueueWebhook} {
			stats, err := h.broker.Stats(ctx, name)
			if err != nil {
				queues[name] = map[string]string{"error": err.Error()}
				continue
			}
			queues[name] = stats
		}
	}

	body := map[string]interface{}{"status": "ok", "checks": checks, "queues": queues}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
