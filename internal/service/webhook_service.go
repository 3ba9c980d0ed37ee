package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
	"github.com/sendline/sendline/pkg/metrics"
)

// webhookRetryDelays is the backoff between the five delivery attempts.
var webhookRetryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	1 * time.Hour,
}

const webhookRequestTimeout = 10 * time.Second

// URLValidator gates outbound webhook destinations.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// JobFailer is the broker slice the webhook sender needs beyond enqueueing.
type JobFailer interface {
	Enqueuer
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, jobErr string, retryAt *time.Time) error
}

// WebhookService fans lifecycle events out to tenant endpoints. Dispatch
// records a delivery and enqueues it; ProcessJob performs the signed POST
// with retries. Delivery is at-least-once; receivers deduplicate on the
// payload id.
type WebhookService struct {
	deliveryRepo domain.WebhookDeliveryRepository
	appRepo      domain.AppRepository
	broker       JobFailer
	validator    URLValidator
	client       *http.Client
	key          []byte // decrypts webhook secrets
	logger       logger.Logger
}

func NewWebhookService(
	deliveryRepo domain.WebhookDeliveryRepository,
	appRepo domain.AppRepository,
	jobBroker JobFailer,
	validator URLValidator,
	encryptionKey []byte,
	log logger.Logger,
) *WebhookService {
	return &WebhookService{
		deliveryRepo: deliveryRepo,
		appRepo:      appRepo,
		broker:       jobBroker,
		validator:    validator,
		client: &http.Client{
			Timeout: webhookRequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects could bypass the SSRF check on the original URL.
				return http.ErrUseLastResponse
			},
		},
		key:    encryptionKey,
		logger: log,
	}
}

// Dispatch records one webhook delivery for an email lifecycle event and
// enqueues it. Tenants without a configured webhook are skipped. Dispatch
// never fails the calling pipeline; errors are logged and dropped.
func (s *WebhookService) Dispatch(ctx context.Context, app *domain.App, email *domain.Email, queueName, eventType string, event *domain.EventData) {
	if !app.HasWebhook() {
		return
	}

	to := make([]string, 0, len(email.To))
	for _, addr := range email.To {
		to = append(to, addr.Email)
	}
	payload := domain.WebhookPayload{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data: domain.WebhookPayloadData{
			EmailID:   email.ID,
			AppID:     app.ID,
			QueueName: queueName,
			From:      email.From.Email,
			To:        to,
			Subject:   email.Subject,
			Status:    string(email.Status),
			Metadata:  email.Metadata,
			Event:     event,
		},
	}
	if email.MessageID != nil {
		payload.Data.MessageID = *email.MessageID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithField("email_id", email.ID).Error("Failed to marshal webhook payload")
		return
	}

	delivery := &domain.WebhookDelivery{
		AppID:     app.ID,
		EmailID:   &email.ID,
		EventType: eventType,
		Payload:   body,
	}
	if err := s.deliveryRepo.Create(ctx, delivery); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"email_id": email.ID,
			"error":    err.Error(),
		}).Error("Failed to record webhook delivery")
		return
	}

	if _, err := s.broker.Enqueue(ctx, domain.JobQueueWebhook,
		domain.WebhookJobPayload{DeliveryID: delivery.ID, AppID: app.ID},
		broker.EnqueueOptions{JobID: delivery.ID}); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"delivery_id": delivery.ID,
			"error":       err.Error(),
		}).Error("Failed to enqueue webhook job")
	}
}

// ProcessJob executes one webhook job from the broker.
func (s *WebhookService) ProcessJob(ctx context.Context, job *domain.Job) error {
	var payload domain.WebhookJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return s.broker.Fail(ctx, job.ID, fmt.Sprintf("malformed job payload: %v", err), nil)
	}

	delivery, err := s.deliveryRepo.Get(ctx, payload.AppID, payload.DeliveryID)
	if err != nil {
		return s.broker.Fail(ctx, job.ID, fmt.Sprintf("delivery not found: %v", err), nil)
	}
	if delivery.Status == domain.WebhookDeliveryDelivered {
		return s.broker.Complete(ctx, job.ID)
	}

	app, err := s.appRepo.Get(ctx, payload.AppID)
	if err != nil {
		return s.broker.Fail(ctx, job.ID, fmt.Sprintf("app not found: %v", err), nil)
	}
	if !app.HasWebhook() {
		s.failDelivery(ctx, delivery, "webhook no longer configured")
		return s.broker.Complete(ctx, job.ID)
	}

	if err := s.validator.Validate(ctx, *app.WebhookURL); err != nil {
		// A blocked URL is permanent; retrying cannot make it public.
		s.failDelivery(ctx, delivery, fmt.Sprintf("url rejected: %v", err))
		return s.broker.Complete(ctx, job.ID)
	}

	secret, err := crypto.DecryptFromHexString(*app.WebhookSecretCipher, s.key)
	if err != nil {
		s.failDelivery(ctx, delivery, "webhook secret unreadable")
		return s.broker.Complete(ctx, job.ID)
	}

	sendErr := s.send(ctx, *app.WebhookURL, secret, delivery.Payload)
	attempts := delivery.Attempts + 1
	if sendErr == nil {
		metrics.RecordWebhookDelivery(ctx, "delivered")
		if err := s.deliveryRepo.MarkDelivered(ctx, delivery.ID, time.Now().UTC()); err != nil {
			s.logger.WithField("delivery_id", delivery.ID).Error("Failed to mark webhook delivered")
		}
		return s.broker.Complete(ctx, job.ID)
	}

	if attempts >= domain.WebhookMaxAttempts {
		metrics.RecordWebhookDelivery(ctx, "failed")
		if err := s.deliveryRepo.MarkFailed(ctx, delivery.ID, attempts, sendErr.Error()); err != nil {
			s.logger.WithField("delivery_id", delivery.ID).Error("Failed to mark webhook failed")
		}
		return s.broker.Fail(ctx, job.ID, sendErr.Error(), nil)
	}

	metrics.RecordWebhookDelivery(ctx, "retried")
	delay := webhookRetryDelays[min(attempts-1, len(webhookRetryDelays)-1)]
	retryAt := time.Now().UTC().Add(delay)
	if err := s.deliveryRepo.ScheduleRetry(ctx, delivery.ID, attempts, sendErr.Error(), retryAt); err != nil {
		s.logger.WithField("delivery_id", delivery.ID).Error("Failed to schedule webhook retry")
	}
	return s.broker.Fail(ctx, job.ID, sendErr.Error(), &retryAt)
}

// RetryNow re-enqueues a delivery on operator request, resetting nothing:
// the attempt counter keeps climbing toward the cap.
func (s *WebhookService) RetryNow(ctx context.Context, appID, deliveryID string) error {
	delivery, err := s.deliveryRepo.Get(ctx, appID, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status == domain.WebhookDeliveryDelivered {
		return &domain.ConflictError{Message: "delivery already succeeded"}
	}
	retryAt := time.Now().UTC()
	if err := s.deliveryRepo.ScheduleRetry(ctx, delivery.ID, delivery.Attempts, "manual retry", retryAt); err != nil {
		return err
	}
	_, err = s.broker.Enqueue(ctx, domain.JobQueueWebhook,
		domain.WebhookJobPayload{DeliveryID: delivery.ID, AppID: appID},
		broker.EnqueueOptions{JobID: delivery.ID + "-retry-" + strconv.FormatInt(retryAt.Unix(), 10)})
	return err
}

// SweepDue re-enqueues pending deliveries whose retry time passed but whose
// broker job was lost, closing the gap between the two stores.
func (s *WebhookService) SweepDue(ctx context.Context, limit int) error {
	due, err := s.deliveryRepo.DuePending(ctx, time.Now().UTC(), limit)
	if err != nil {
		return err
	}
	for _, delivery := range due {
		if _, err := s.broker.Enqueue(ctx, domain.JobQueueWebhook,
			domain.WebhookJobPayload{DeliveryID: delivery.ID, AppID: delivery.AppID},
			broker.EnqueueOptions{JobID: delivery.ID + "-sweep-" + strconv.FormatInt(time.Now().Unix(), 10)}); err != nil {
			s.logger.WithField("delivery_id", delivery.ID).Error("Failed to re-enqueue due webhook")
		}
	}
	return nil
}

func (s *WebhookService) Get(ctx context.Context, appID, id string) (*domain.WebhookDelivery, error) {
	return s.deliveryRepo.Get(ctx, appID, id)
}

func (s *WebhookService) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.WebhookDelivery, *domain.Cursor, error) {
	return s.deliveryRepo.List(ctx, appID, limit, cursor)
}

// send performs one signed POST. The signature covers "<timestamp>.<body>"
// so receivers can reject replays.
func (s *WebhookService) send(ctx context.Context, url, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signed := append([]byte(timestamp+"."), body...)
	signature := crypto.ComputeHMAC256(signed, secret)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sendline-webhooks/1.0")
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookService) failDelivery(ctx context.Context, delivery *domain.WebhookDelivery, reason string) {
	metrics.RecordWebhookDelivery(ctx, "failed")
	if err := s.deliveryRepo.MarkFailed(ctx, delivery.ID, delivery.Attempts, reason); err != nil {
		s.logger.WithField("delivery_id", delivery.ID).Error("Failed to mark webhook failed")
	}
}
