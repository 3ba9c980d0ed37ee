package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
	"github.com/sendline/sendline/pkg/metrics"
	"github.com/sendline/sendline/pkg/ratelimiter"
)

// batchSubmitConcurrency bounds parallel admissions within one batch.
const batchSubmitConcurrency = 8

// Enqueuer is the slice of the broker admission needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, opts broker.EnqueueOptions) (*domain.Job, error)
}

// RateChecker is the sliding-window limiter admission consults.
type RateChecker interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result
}

// Dispatcher fans lifecycle events out to tenant webhooks.
type Dispatcher interface {
	Dispatch(ctx context.Context, app *domain.App, email *domain.Email, queueName, eventType string, event *domain.EventData)
}

// AdmissionService is the single entry point for accepting emails into the
// pipeline. Every submission, API or scheduler, passes the same checks:
// payload validation, queue state, rate limits, reputation, suppressions.
type AdmissionService struct {
	emailRepo       domain.EmailRepository
	eventRepo       domain.EmailEventRepository
	queueRepo       domain.QueueRepository
	suppressionRepo domain.SuppressionRepository
	reputationRepo  domain.ReputationRepository
	broker          Enqueuer
	limiter         RateChecker
	dispatcher      Dispatcher
	defaultKeyLimit int // requests/minute when the api key has no override
	logger          logger.Logger
}

func NewAdmissionService(
	emailRepo domain.EmailRepository,
	eventRepo domain.EmailEventRepository,
	queueRepo domain.QueueRepository,
	suppressionRepo domain.SuppressionRepository,
	reputationRepo domain.ReputationRepository,
	jobBroker Enqueuer,
	limiter RateChecker,
	dispatcher Dispatcher,
	defaultKeyLimit int,
	log logger.Logger,
) *AdmissionService {
	return &AdmissionService{
		emailRepo:       emailRepo,
		eventRepo:       eventRepo,
		queueRepo:       queueRepo,
		suppressionRepo: suppressionRepo,
		reputationRepo:  reputationRepo,
		broker:          jobBroker,
		limiter:         limiter,
		dispatcher:      dispatcher,
		defaultKeyLimit: defaultKeyLimit,
		logger:          log,
	}
}

// Submit validates and persists one email and enqueues its send job.
// A repeated idempotency key replays the stored email without enqueueing a
// second job or consuming rate-limit tokens; replayed reports that case.
// rate carries the caller's remaining api-key window for response headers,
// nil on replays and keyless submissions.
func (s *AdmissionService) Submit(ctx context.Context, auth *AuthContext, req *domain.CreateEmailRequest, idempotencyKey *string) (email *domain.Email, replayed bool, rate *ratelimiter.Result, err error) {
	app := auth.App

	if err := req.Validate(); err != nil {
		return nil, false, nil, err
	}

	queue, err := s.queueRepo.GetByName(ctx, app.ID, req.Queue)
	if err != nil {
		return nil, false, nil, err
	}
	if queue.Paused {
		return nil, false, nil, &domain.QueuePausedError{QueueName: queue.Name}
	}

	// A known idempotency key replays before any rate-limit token is spent;
	// the unique index on insert stays as the backstop for concurrent firsts.
	if idempotencyKey != nil {
		existing, err := s.emailRepo.FindByIdempotencyKey(ctx, app.ID, *idempotencyKey)
		if err != nil {
			return nil, false, nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return existing, true, nil, nil
		}
	}

	rate, err = s.checkRateLimits(ctx, auth, app, queue)
	if err != nil {
		return nil, false, nil, err
	}
	if err := s.checkReputation(ctx, app); err != nil {
		return nil, false, nil, err
	}
	if err := s.checkSuppressions(ctx, app.ID, req); err != nil {
		return nil, false, nil, err
	}

	email = &domain.Email{
		AppID:           app.ID,
		QueueID:         queue.ID,
		IdempotencyKey:  idempotencyKey,
		From:            req.From,
		To:              req.To,
		Cc:              req.Cc,
		Bcc:             req.Bcc,
		ReplyTo:         req.ReplyTo,
		Subject:         req.Subject,
		HTMLBody:        req.HTMLBody,
		TextBody:        req.TextBody,
		Headers:         req.Headers,
		Personalization: req.Personalization,
		Metadata:        req.Metadata,
		ScheduledAt:     req.ScheduledAt,
	}

	email, replayed, err = s.emailRepo.Insert(ctx, email)
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to persist email: %w", err)
	}
	if replayed {
		return email, true, nil, nil
	}

	if err := s.eventRepo.Append(ctx, &domain.EmailEvent{
		EmailID: email.ID,
		Type:    domain.EventQueued,
		Data:    domain.EventData{Queued: &domain.QueuedData{ScheduledAt: email.ScheduledAt}},
	}); err != nil {
		s.logger.WithField("email_id", email.ID).Warn("Failed to append queued event")
	}

	var delay time.Duration
	if email.ScheduledAt != nil {
		if d := time.Until(*email.ScheduledAt); d > 0 {
			delay = d
		}
	}
	// The job id mirrors the email id, so a crash between insert and enqueue
	// can be repaired by re-submitting without duplicating the job.
	_, err = s.broker.Enqueue(ctx, domain.JobQueueEmail,
		domain.SendJobPayload{EmailID: email.ID, AppID: app.ID, QueueID: queue.ID},
		broker.EnqueueOptions{JobID: email.ID, Priority: queue.Priority, Delay: delay})
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to enqueue send job: %w", err)
	}

	metrics.RecordQueued(ctx, queue.Name)
	s.dispatcher.Dispatch(ctx, app, email, queue.Name, domain.WebhookEmailQueued,
		&domain.EventData{Queued: &domain.QueuedData{ScheduledAt: email.ScheduledAt}})

	return email, false, rate, nil
}

// SubmitBatch admits up to MaxBatchEntries emails sharing sender and body.
// Entries fail independently; one bad address never rejects the batch.
func (s *AdmissionService) SubmitBatch(ctx context.Context, auth *AuthContext, req *domain.CreateBatchRequest) (*domain.BatchResult, error) {
	if len(req.Emails) == 0 {
		return nil, domain.NewFieldValidationError("emails", "at least one entry is required")
	}
	if len(req.Emails) > domain.MaxBatchEntries {
		return nil, domain.NewFieldValidationError("emails", fmt.Sprintf("at most %d entries are allowed", domain.MaxBatchEntries))
	}

	// Entries are independent, so admit them concurrently. Outcomes land in
	// per-index slots; the aggregate is assembled afterwards in input order.
	emailIDs := make([]string, len(req.Emails))
	entryErrs := make([]error, len(req.Emails))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchSubmitConcurrency)
	for i := range req.Emails {
		g.Go(func() error {
			entry := req.Entry(i)
			email, _, _, err := s.Submit(gctx, auth, &entry, nil)
			if err != nil {
				entryErrs[i] = err
				return nil
			}
			emailIDs[i] = email.ID
			return nil
		})
	}
	_ = g.Wait()

	result := &domain.BatchResult{TotalCount: len(req.Emails)}
	for i := range req.Emails {
		if err := entryErrs[i]; err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, domain.BatchError{
				Index:   i,
				Code:    domain.ErrorCode(err),
				Message: err.Error(),
			})
			continue
		}
		result.QueuedCount++
		result.EmailIDs = append(result.EmailIDs, emailIDs[i])
	}
	return result, nil
}

// checkRateLimits walks the hierarchy in blocking precedence order: api key
// requests/minute, then the tenant's daily quota, then the queue's
// emails/minute. The first scope to block wins. On success the api-key
// window state comes back for response headers.
func (s *AdmissionService) checkRateLimits(ctx context.Context, auth *AuthContext, app *domain.App, queue *domain.Queue) (*ratelimiter.Result, error) {
	var keyWindow *ratelimiter.Result
	if auth.Key != nil {
		limit := s.defaultKeyLimit
		if auth.Key.RateLimit != nil {
			limit = *auth.Key.RateLimit
		}
		res := s.limiter.Check(ctx, "rl:apikey:"+auth.Key.ID, limit, time.Minute)
		if !res.Allowed {
			return nil, &domain.RateLimitError{
				Scope:      "apikey",
				Limit:      limit,
				RetryAfter: res.RetryAfter(time.Now()),
				ResetAt:    res.ResetAt.Unix(),
			}
		}
		keyWindow = &res
	}
	if err := s.checkQuota(ctx, app); err != nil {
		return nil, err
	}
	if queue.RateLimit != nil {
		res := s.limiter.Check(ctx, "rl:queue:"+queue.ID, *queue.RateLimit, time.Minute)
		if !res.Allowed {
			return nil, &domain.RateLimitError{
				Scope:      "queue",
				Limit:      *queue.RateLimit,
				RetryAfter: res.RetryAfter(time.Now()),
				ResetAt:    res.ResetAt.Unix(),
			}
		}
	}
	return keyWindow, nil
}

// checkQuota enforces the tenant's daily send ceiling from Postgres counts.
func (s *AdmissionService) checkQuota(ctx context.Context, app *domain.App) error {
	if app.DailyQuota == nil {
		return nil
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	count, err := s.emailRepo.CountForAppSince(ctx, app.ID, dayStart)
	if err != nil {
		return fmt.Errorf("failed to check daily quota: %w", err)
	}
	if count >= *app.DailyQuota {
		dayEnd := dayStart.Add(24 * time.Hour)
		return &domain.RateLimitError{
			Scope:      "app",
			Limit:      int(*app.DailyQuota),
			RetryAfter: int(time.Until(dayEnd).Seconds()),
			ResetAt:    dayEnd.Unix(),
		}
	}
	return nil
}

// checkReputation rejects sends for tenants below the critical score.
// Sandbox tenants are exempt since nothing leaves the building.
func (s *AdmissionService) checkReputation(ctx context.Context, app *domain.App) error {
	if app.Sandbox {
		return nil
	}
	rep, err := s.reputationRepo.Get(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("failed to load reputation: %w", err)
	}
	if rep.Throttled() {
		return &domain.ForbiddenError{Message: rep.ThrottleReason()}
	}
	return nil
}

// checkSuppressions rejects the submission when any recipient is blocked.
func (s *AdmissionService) checkSuppressions(ctx context.Context, appID string, req *domain.CreateEmailRequest) error {
	recipients := make([]domain.Address, 0, len(req.To)+len(req.Cc)+len(req.Bcc))
	recipients = append(recipients, req.To...)
	recipients = append(recipients, req.Cc...)
	recipients = append(recipients, req.Bcc...)

	for _, addr := range recipients {
		rule, err := s.suppressionRepo.FindActive(ctx, appID, addr.Email)
		if err != nil {
			return fmt.Errorf("failed to check suppressions: %w", err)
		}
		if rule != nil {
			metrics.RecordSuppressed(ctx)
			return &domain.SuppressedError{Email: addr.Email, Reason: rule.Reason}
		}
	}
	return nil
}
