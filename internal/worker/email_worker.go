// Package worker runs the background loops that drain the job broker: the
// email delivery pool, the webhook sender and the maintenance sweeper.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
	"github.com/sendline/sendline/pkg/metrics"
	"github.com/sendline/sendline/pkg/personalize"
	"github.com/sendline/sendline/pkg/smtppool"
)

const (
	emailPollInterval  = time.Second
	emailVisibility    = 5 * time.Minute
	pausedQueueBackoff = 30 * time.Second
)

// JobBroker is the broker surface workers consume.
type JobBroker interface {
	Reserve(ctx context.Context, queue string, visibility time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, jobErr string, retryAt *time.Time) error
}

// EmailWorker drains the email job queue with a fixed pool of goroutines.
// Each goroutine reserves, delivers and acknowledges one job at a time.
type EmailWorker struct {
	broker         JobBroker
	emailRepo      domain.EmailRepository
	queueRepo      domain.QueueRepository
	appRepo        domain.AppRepository
	reputationRepo domain.ReputationRepository
	smtpService    *service.SMTPConfigService
	tracking       *service.TrackingService
	dispatcher     service.Dispatcher
	engine         *smtppool.Engine
	defaultSMTP    smtppool.Config
	concurrency    int
	logger         logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewEmailWorker(
	jobBroker JobBroker,
	emailRepo domain.EmailRepository,
	queueRepo domain.QueueRepository,
	appRepo domain.AppRepository,
	reputationRepo domain.ReputationRepository,
	smtpService *service.SMTPConfigService,
	tracking *service.TrackingService,
	dispatcher service.Dispatcher,
	engine *smtppool.Engine,
	defaultSMTP smtppool.Config,
	concurrency int,
	log logger.Logger,
) *EmailWorker {
	if concurrency < 1 {
		concurrency = 10
	}
	return &EmailWorker{
		broker:         jobBroker,
		emailRepo:      emailRepo,
		queueRepo:      queueRepo,
		appRepo:        appRepo,
		reputationRepo: reputationRepo,
		smtpService:    smtpService,
		tracking:       tracking,
		dispatcher:     dispatcher,
		engine:         engine,
		defaultSMTP:    defaultSMTP,
		concurrency:    concurrency,
		stop:           make(chan struct{}),
		logger:         log,
	}
}

// Start launches the delivery goroutines.
func (w *EmailWorker) Start() {
	w.logger.WithField("concurrency", w.concurrency).Info("Email worker started")
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

// Stop signals the pool and waits for in-flight deliveries.
func (w *EmailWorker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("Email worker stopped")
}

func (w *EmailWorker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		ctx := context.Background()
		job, err := w.broker.Reserve(ctx, domain.JobQueueEmail, emailVisibility)
		if err != nil {
			w.logger.WithField("error", err.Error()).Error("Failed to reserve email job")
			w.sleep(emailPollInterval)
			continue
		}
		if job == nil {
			w.sleep(emailPollInterval)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *EmailWorker) sleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}

// process delivers one email job end to end.
func (w *EmailWorker) process(ctx context.Context, job *domain.Job) {
	var payload domain.SendJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		_ = w.broker.Fail(ctx, job.ID, fmt.Sprintf("malformed job payload: %v", err), nil)
		return
	}

	email, err := w.emailRepo.GetByID(ctx, payload.EmailID)
	if err != nil {
		_ = w.broker.Fail(ctx, job.ID, fmt.Sprintf("email not found: %v", err), nil)
		return
	}
	queue, err := w.queueRepo.Get(ctx, email.AppID, email.QueueID)
	if err != nil {
		_ = w.broker.Fail(ctx, job.ID, fmt.Sprintf("queue not found: %v", err), nil)
		return
	}
	if queue.Paused {
		retryAt := time.Now().UTC().Add(pausedQueueBackoff)
		_ = w.broker.Fail(ctx, job.ID, "queue paused", &retryAt)
		return
	}

	app, err := w.appRepo.Get(ctx, email.AppID)
	if err != nil {
		_ = w.broker.Fail(ctx, job.ID, fmt.Sprintf("tenant not found: %v", err), nil)
		return
	}

	attempt := email.RetryCount + 1
	if !app.Sandbox {
		if done := w.gateReputation(ctx, job, email, queue, attempt); done {
			return
		}
	}

	// The SQL guard is the real gate: a redelivered job whose email already
	// moved on matches no row and the job is dropped here.
	claimed, err := w.emailRepo.TransitionWithEvent(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusQueued},
		domain.StatusUpdate{Status: domain.EmailStatusProcessing},
		&domain.EmailEvent{
			EmailID: email.ID,
			Type:    domain.EventProcessing,
			Data:    domain.EventData{Processing: &domain.ProcessingData{Attempt: attempt}},
		})
	if err != nil {
		w.logger.WithField("email_id", email.ID).Error("Failed to claim email")
		retryAt := time.Now().UTC().Add(pausedQueueBackoff)
		_ = w.broker.Fail(ctx, job.ID, err.Error(), &retryAt)
		return
	}
	if !claimed {
		w.logger.WithFields(map[string]interface{}{
			"email_id": email.ID,
			"status":   email.Status,
		}).Info("Dropping stale send job")
		_ = w.broker.Complete(ctx, job.ID)
		return
	}

	if app.Sandbox {
		w.deliverSandbox(ctx, job, app, email, queue)
		return
	}

	result, sendErr := w.deliver(ctx, email, queue)
	if sendErr == nil {
		w.recordSent(ctx, job, app, email, queue, result)
		return
	}
	w.handleSendError(ctx, job, app, email, queue, sendErr)
}

// gateReputation rejects sends for tenants under the critical reputation
// score. The rejection is terminal: throttling does not clear with retries,
// and the job is acknowledged. Returns true when it consumed the job.
func (w *EmailWorker) gateReputation(ctx context.Context, job *domain.Job, email *domain.Email, queue *domain.Queue, attempt int) bool {
	rep, err := w.reputationRepo.Get(ctx, email.AppID)
	if err != nil {
		retryAt := time.Now().UTC().Add(pausedQueueBackoff)
		_ = w.broker.Fail(ctx, job.ID, fmt.Sprintf("failed to load reputation: %v", err), &retryAt)
		return true
	}
	if !rep.Throttled() {
		return false
	}

	reason := "Rejected: " + rep.ThrottleReason()
	applied, err := w.emailRepo.TransitionWithEvent(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusQueued, domain.EmailStatusProcessing},
		domain.StatusUpdate{Status: domain.EmailStatusFailed, LastError: &reason},
		&domain.EmailEvent{
			EmailID: email.ID,
			Type:    domain.EventProcessing,
			Data:    domain.EventData{Processing: &domain.ProcessingData{Attempt: attempt, Throttled: true}},
		})
	if err != nil || !applied {
		w.logger.WithField("email_id", email.ID).Error("Failed to record throttled rejection")
	}
	metrics.RecordFailed(ctx, queue.Name)
	_ = w.broker.Complete(ctx, job.ID)
	return true
}

// deliverSandbox synthesizes a successful send without touching the network.
func (w *EmailWorker) deliverSandbox(ctx context.Context, job *domain.Job, app *domain.App, email *domain.Email, queue *domain.Queue) {
	messageID := fmt.Sprintf("sandbox-%s-%d@local", email.ID, time.Now().UnixMilli())
	accepted := make([]string, 0, len(email.To))
	for _, addr := range email.Recipients() {
		accepted = append(accepted, addr.Email)
	}
	w.recordSent(ctx, job, app, email, queue, &smtppool.Result{
		MessageID: messageID,
		Accepted:  accepted,
		Rejected:  []string{},
	})
}

// deliver renders and submits the message through the pooled SMTP engine.
func (w *EmailWorker) deliver(ctx context.Context, email *domain.Email, queue *domain.Queue) (*smtppool.Result, error) {
	cfg, err := w.resolveSMTP(ctx, email.AppID, queue)
	if err != nil {
		return nil, err
	}

	subject := personalize.Render(email.Subject, email.Personalization)
	htmlBody := personalize.Render(email.HTMLBody, email.Personalization)
	textBody := personalize.Render(email.TextBody, email.Personalization)

	if htmlBody != "" && (queue.TrackOpens || queue.TrackClicks) {
		rendered := *email
		rendered.HTMLBody = htmlBody
		htmlBody, err = w.tracking.RewriteLinks(ctx, &rendered, queue.TrackClicks, queue.TrackOpens)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare tracking: %w", err)
		}
	}

	msg, err := buildMessage(email, subject, htmlBody, textBody)
	if err != nil {
		return nil, &smtppool.Error{Permanent: true, Err: err}
	}
	return w.engine.Send(ctx, cfg, msg)
}

// resolveSMTP picks the queue's relay when configured, else the process
// default.
func (w *EmailWorker) resolveSMTP(ctx context.Context, appID string, queue *domain.Queue) (smtppool.Config, error) {
	if queue.SMTPConfigID == nil {
		return w.defaultSMTP, nil
	}
	stored, err := w.smtpService.Get(ctx, appID, *queue.SMTPConfigID)
	if err != nil {
		return smtppool.Config{}, fmt.Errorf("failed to load smtp config: %w", err)
	}
	password, err := w.smtpService.Password(stored)
	if err != nil {
		return smtppool.Config{}, fmt.Errorf("failed to decrypt smtp password: %w", err)
	}
	return smtppool.Config{
		Host:       stored.Host,
		Port:       stored.Port,
		Username:   stored.Username,
		Password:   password,
		Encryption: stored.Encryption,
		PoolSize:   stored.PoolSize,
		Timeout:    stored.Timeout(),
	}, nil
}

func (w *EmailWorker) recordSent(ctx context.Context, job *domain.Job, app *domain.App, email *domain.Email, queue *domain.Queue, result *smtppool.Result) {
	now := time.Now().UTC()
	applied, err := w.emailRepo.TransitionWithEvent(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusProcessing},
		domain.StatusUpdate{
			Status:    domain.EmailStatusSent,
			MessageID: &result.MessageID,
			SentAt:    &now,
		},
		&domain.EmailEvent{
			EmailID: email.ID,
			Type:    domain.EventSent,
			Data: domain.EventData{Sent: &domain.SentData{
				MessageID: result.MessageID,
				Accepted:  result.Accepted,
				Rejected:  result.Rejected,
			}},
		})
	if err != nil || !applied {
		w.logger.WithField("email_id", email.ID).Error("Failed to record sent status")
	}

	metrics.RecordSent(ctx, queue.Name)
	email.Status = domain.EmailStatusSent
	email.MessageID = &result.MessageID
	w.dispatcher.Dispatch(ctx, app, email, queue.Name, domain.WebhookEmailSent,
		&domain.EventData{Sent: &domain.SentData{
			MessageID: result.MessageID,
			Accepted:  result.Accepted,
			Rejected:  result.Rejected,
		}})
	_ = w.broker.Complete(ctx, job.ID)
}

// handleSendError routes a failure to retry or terminal failure. Permanent
// SMTP rejections and exhausted retries are terminal; everything else goes
// back to queued with the queue's backoff.
func (w *EmailWorker) handleSendError(ctx context.Context, job *domain.Job, app *domain.App, email *domain.Email, queue *domain.Queue, sendErr error) {
	sanitized := sanitizeError(sendErr.Error())

	permanent := false
	var smtpErr *smtppool.Error
	if errors.As(sendErr, &smtpErr) {
		permanent = smtpErr.Permanent
	}

	attempts := email.RetryCount
	if permanent || attempts >= queue.MaxRetries {
		w.failPermanently(ctx, job, email, queue, sanitized)
		email.Status = domain.EmailStatusFailed
		email.LastError = &sanitized
		w.dispatcher.Dispatch(ctx, app, email, queue.Name, domain.WebhookEmailFailed, nil)
		return
	}

	delay := time.Duration(queue.RetryDelaySeconds(attempts)) * time.Second
	retryAt := time.Now().UTC().Add(delay)

	// The requeue is itself a lifecycle transition, so the event log shows
	// queued again before the next processing attempt.
	applied, err := w.emailRepo.TransitionWithEvent(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusProcessing},
		domain.StatusUpdate{
			Status:         domain.EmailStatusQueued,
			LastError:      &sanitized,
			IncrementRetry: true,
		},
		&domain.EmailEvent{
			EmailID: email.ID,
			Type:    domain.EventQueued,
			Data:    domain.EventData{Queued: &domain.QueuedData{}},
		})
	if err != nil || !applied {
		w.logger.WithField("email_id", email.ID).Error("Failed to requeue email after transient error")
	}
	w.logger.WithFields(map[string]interface{}{
		"email_id": email.ID,
		"attempt":  attempts + 1,
		"retry_in": delay.String(),
		"error":    sanitized,
	}).Warn("Transient send failure, retrying")
	_ = w.broker.Fail(ctx, job.ID, sanitized, &retryAt)
}

func (w *EmailWorker) failPermanently(ctx context.Context, job *domain.Job, email *domain.Email, queue *domain.Queue, reason string) {
	applied, err := w.emailRepo.UpdateStatus(ctx, email.ID,
		[]domain.EmailStatus{domain.EmailStatusProcessing},
		domain.StatusUpdate{
			Status:    domain.EmailStatusFailed,
			LastError: &reason,
		})
	if err != nil || !applied {
		w.logger.WithField("email_id", email.ID).Error("Failed to record permanent failure")
	}
	metrics.RecordFailed(ctx, queue.Name)
	_ = w.broker.Fail(ctx, job.ID, reason, nil)
}

// buildMessage maps the stored email onto a go-mail message.
func buildMessage(email *domain.Email, subject, htmlBody, textBody string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(email.From.Name, email.From.Email); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	for _, addr := range email.To {
		if err := msg.AddToFormat(addr.Name, addr.Email); err != nil {
			return nil, fmt.Errorf("invalid to address: %w", err)
		}
	}
	for _, addr := range email.Cc {
		if err := msg.AddCcFormat(addr.Name, addr.Email); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	for _, addr := range email.Bcc {
		if err := msg.AddBccFormat(addr.Name, addr.Email); err != nil {
			return nil, fmt.Errorf("invalid bcc address: %w", err)
		}
	}
	if email.ReplyTo != nil {
		if err := msg.ReplyTo(email.ReplyTo.Email); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}

	msg.Subject(subject)
	for key, value := range email.Headers {
		msg.SetGenHeader(mail.Header(key), value)
	}
	msg.SetMessageID()

	switch {
	case htmlBody != "" && textBody != "":
		msg.SetBodyString(mail.TypeTextHTML, htmlBody)
		msg.AddAlternativeString(mail.TypeTextPlain, textBody)
	case htmlBody != "":
		msg.SetBodyString(mail.TypeTextHTML, htmlBody)
	default:
		msg.SetBodyString(mail.TypeTextPlain, textBody)
	}
	return msg, nil
}

var (
	errEmailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+`)
	errTokenPattern = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{24,}\b`)
	errIPPattern    = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)
)

// sanitizeError strips addresses, credentials and IPs from relay error text
// before it is stored or surfaced to tenants.
func sanitizeError(msg string) string {
	msg = errEmailPattern.ReplaceAllString(msg, "[redacted]")
	msg = errTokenPattern.ReplaceAllString(msg, "[redacted]")
	msg = errIPPattern.ReplaceAllString(msg, "[redacted]")
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
