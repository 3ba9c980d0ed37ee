package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sendline/sendline/internal/http/middleware"
	"github.com/sendline/sendline/pkg/logger"
)

// Handlers collects everything the router mounts.
type Handlers struct {
	Emails        *EmailHandler
	Queues        *QueueHandler
	SMTPConfigs   *SMTPConfigHandler
	Suppressions  *SuppressionHandler
	ScheduledJobs *ScheduledJobHandler
	Webhooks      *WebhookHandler
	Feedback      *FeedbackHandler
	Tracking      *TrackingHandler
	Apps          *AppHandler
	Health        *HealthHandler
	Metrics       http.Handler
}

// NewRouter assembles the full route tree. Tracking and health endpoints are
// unauthenticated; everything under /v1 requires a bearer token.
func NewRouter(handlers Handlers, auth *middleware.AuthMiddleware) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-App-Id"},
		MaxAge:         300,
	}))

	handlers.Health.RegisterRoutes(r)
	handlers.Tracking.RegisterRoutes(r)
	if handlers.Metrics != nil {
		r.Handle("/metrics", handlers.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth)
		handlers.Emails.RegisterRoutes(r, auth)
		handlers.Queues.RegisterRoutes(r, auth)
		handlers.SMTPConfigs.RegisterRoutes(r, auth)
		handlers.Suppressions.RegisterRoutes(r, auth)
		handlers.ScheduledJobs.RegisterRoutes(r, auth)
		handlers.Webhooks.RegisterRoutes(r, auth)
		handlers.Feedback.RegisterRoutes(r, auth)
		handlers.Apps.RegisterRoutes(r, auth)
	})

	return r
}

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	server *http.Server
	logger logger.Logger
}

func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: log,
	}
}

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("HTTP server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// WriteDomainError exposes the error envelope to the middleware package.
func WriteDomainError(w http.ResponseWriter, err error) {
	writeError(w, err)
}
