// Package app wires configuration, storage, services, workers and the HTTP
// server into one runnable unit.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/sendline/sendline/config"
	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/database"
	httpserver "github.com/sendline/sendline/internal/http"
	"github.com/sendline/sendline/internal/http/middleware"
	"github.com/sendline/sendline/internal/repository"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/internal/worker"
	"github.com/sendline/sendline/pkg/logger"
	"github.com/sendline/sendline/pkg/metrics"
	"github.com/sendline/sendline/pkg/ratelimiter"
	"github.com/sendline/sendline/pkg/smtppool"
	"github.com/sendline/sendline/pkg/ssrf"
)

const shutdownTimeout = 30 * time.Second

// App owns every long-lived component of the delivery platform.
type App struct {
	config *config.Config
	logger logger.Logger

	db      *sql.DB
	limiter *ratelimiter.RateLimiter
	engine  *smtppool.Engine

	jobBroker *broker.Broker

	emailWorker   *worker.EmailWorker
	webhookWorker *worker.WebhookWorker
	sweeper       *worker.Sweeper
	scheduler     *service.SchedulerService

	server *httpserver.Server
}

func NewApp(cfg *config.Config) *App {
	return &App{
		config: cfg,
		logger: logger.NewLoggerWithLevel(cfg.LogLevel),
	}
}

// Initialize connects the stores and builds the full object graph. It must
// be called before Start.
func (a *App) Initialize() error {
	db, err := database.Connect(a.config.Database.URL)
	if err != nil {
		return err
	}
	a.db = db

	if err := database.InitializeSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	limiter, err := ratelimiter.NewRateLimiterFromURL(a.config.Redis.URL, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.limiter = limiter

	metricsHandler, err := metrics.Init("sendline")
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	a.engine = smtppool.NewEngine(a.logger, metrics.RecordSMTPVerify)
	urlValidator := ssrf.NewValidator()

	// Repositories.
	emailRepo := repository.NewEmailRepository(db)
	eventRepo := repository.NewEmailEventRepository(db)
	appRepo := repository.NewAppRepository(db)
	apiKeyRepo := repository.NewAPIKeyRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	smtpRepo := repository.NewSMTPConfigRepository(db)
	suppressionRepo := repository.NewSuppressionRepository(db)
	scheduledJobRepo := repository.NewScheduledJobRepository(db)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db)
	linkRepo := repository.NewTrackingLinkRepository(db)
	reputationRepo := repository.NewReputationRepository(db)

	a.jobBroker = broker.NewBroker(db, a.logger)

	// Services.
	authService := service.NewAuthService(apiKeyRepo, appRepo, a.config.Security.AdminSecret, a.logger)
	webhookService := service.NewWebhookService(deliveryRepo, appRepo, a.jobBroker, urlValidator, a.config.Security.EncryptionKey, a.logger)
	admissionService := service.NewAdmissionService(
		emailRepo, eventRepo, queueRepo, suppressionRepo, reputationRepo,
		a.jobBroker, a.limiter, webhookService,
		a.config.Security.DefaultAPIRateLimit, a.logger,
	)
	emailService := service.NewEmailService(emailRepo, eventRepo, queueRepo, a.jobBroker, a.logger)
	queueService := service.NewQueueService(queueRepo, smtpRepo, a.jobBroker, a.logger)
	smtpConfigService := service.NewSMTPConfigService(smtpRepo, a.config.Security.EncryptionKey, a.logger)
	suppressionService := service.NewSuppressionService(suppressionRepo, a.logger)
	appService := service.NewAppService(appRepo, apiKeyRepo, urlValidator, a.config.Security.EncryptionKey, a.logger)
	trackingService := service.NewTrackingService(
		emailRepo, eventRepo, linkRepo, appRepo, queueRepo, webhookService,
		a.config.Tracking.BaseURL, a.config.Tracking.AnonymizeIPs, a.logger,
	)
	bounceService := service.NewBounceService(
		emailRepo, eventRepo, suppressionRepo, reputationRepo, appRepo, queueRepo,
		webhookService, a.logger,
	)
	a.scheduler = service.NewSchedulerService(scheduledJobRepo, queueRepo, appRepo, admissionService, a.logger)

	// Workers.
	defaultSMTP := smtppool.Config{
		Host:       a.config.SMTP.Host,
		Port:       a.config.SMTP.Port,
		Username:   a.config.SMTP.Username,
		Password:   a.config.SMTP.Password,
		Encryption: a.config.SMTP.Encryption,
		PoolSize:   a.config.SMTP.PoolSize,
		Timeout:    30 * time.Second,
	}
	a.emailWorker = worker.NewEmailWorker(
		a.jobBroker, emailRepo, queueRepo, appRepo, reputationRepo, smtpConfigService,
		trackingService, webhookService, a.engine, defaultSMTP,
		a.config.Worker.EmailConcurrency, a.logger,
	)
	a.webhookWorker = worker.NewWebhookWorker(a.jobBroker, webhookService, a.config.Worker.WebhookConcurrency, a.logger)
	a.sweeper = worker.NewSweeper(a.jobBroker, webhookService, suppressionService, a.logger)

	// HTTP.
	authMiddleware := middleware.NewAuthMiddleware(authService, httpserver.WriteDomainError)
	router := httpserver.NewRouter(httpserver.Handlers{
		Emails:        httpserver.NewEmailHandler(admissionService, emailService, a.logger),
		Queues:        httpserver.NewQueueHandler(queueService, a.logger),
		SMTPConfigs:   httpserver.NewSMTPConfigHandler(smtpConfigService, a.logger),
		Suppressions:  httpserver.NewSuppressionHandler(suppressionService, a.logger),
		ScheduledJobs: httpserver.NewScheduledJobHandler(a.scheduler, a.logger),
		Webhooks:      httpserver.NewWebhookHandler(appService, webhookService, a.logger),
		Feedback:      httpserver.NewFeedbackHandler(bounceService, a.logger),
		Tracking:      httpserver.NewTrackingHandler(trackingService, a.logger),
		Apps:          httpserver.NewAppHandler(appService, a.logger),
		Health:        httpserver.NewHealthHandler(db, a.limiter, a.jobBroker, a.logger),
		Metrics:       metricsHandler,
	}, authMiddleware)

	a.server = httpserver.NewServer(a.config.Server.Addr(), router, a.logger)
	return nil
}

// Start launches workers and serves HTTP until the listener closes.
func (a *App) Start() error {
	a.emailWorker.Start()
	a.webhookWorker.Start()
	a.sweeper.Start()
	a.scheduler.Start()
	return a.server.Start()
}

// Shutdown stops intake first, then drains the workers so in-flight
// deliveries finish before the stores close.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		firstErr = err
	}

	a.scheduler.Stop()
	a.emailWorker.Stop()
	a.webhookWorker.Stop()
	a.sweeper.Stop()
	a.engine.Close()

	if err := a.limiter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.logger.Info("Shutdown complete")
	return firstErr
}
