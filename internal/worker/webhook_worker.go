package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
)

const (
	webhookPollInterval = time.Second
	webhookVisibility   = 2 * time.Minute
)

// WebhookWorker drains the webhook job queue. The delivery semantics live in
// the webhook service; this is only the reserve loop.
type WebhookWorker struct {
	broker      JobBroker
	webhooks    *service.WebhookService
	concurrency int
	logger      logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWebhookWorker(jobBroker JobBroker, webhooks *service.WebhookService, concurrency int, log logger.Logger) *WebhookWorker {
	if concurrency < 1 {
		concurrency = 5
	}
	return &WebhookWorker{
		broker:      jobBroker,
		webhooks:    webhooks,
		concurrency: concurrency,
		stop:        make(chan struct{}),
		logger:      log,
	}
}

func (w *WebhookWorker) Start() {
	w.logger.WithField("concurrency", w.concurrency).Info("Webhook worker started")
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

func (w *WebhookWorker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("Webhook worker stopped")
}

func (w *WebhookWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		ctx := context.Background()
		job, err := w.broker.Reserve(ctx, domain.JobQueueWebhook, webhookVisibility)
		if err != nil {
			w.logger.WithField("error", err.Error()).Error("Failed to reserve webhook job")
			w.sleep(webhookPollInterval)
			continue
		}
		if job == nil {
			w.sleep(webhookPollInterval)
			continue
		}
		if err := w.webhooks.ProcessJob(ctx, job); err != nil {
			w.logger.WithFields(map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Error("Webhook job processing failed")
		}
	}
}

func (w *WebhookWorker) sleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}
