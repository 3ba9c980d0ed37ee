package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

// EmailService serves read and lifecycle operations on stored emails.
type EmailService struct {
	emailRepo domain.EmailRepository
	eventRepo domain.EmailEventRepository
	queueRepo domain.QueueRepository
	broker    Enqueuer
	logger    logger.Logger
}

func NewEmailService(emailRepo domain.EmailRepository, eventRepo domain.EmailEventRepository, queueRepo domain.QueueRepository, jobBroker Enqueuer, log logger.Logger) *EmailService {
	return &EmailService{
		emailRepo: emailRepo,
		eventRepo: eventRepo,
		queueRepo: queueRepo,
		broker:    jobBroker,
		logger:    log,
	}
}

func (s *EmailService) Get(ctx context.Context, appID, id string) (*domain.Email, error) {
	return s.emailRepo.Get(ctx, appID, id)
}

func (s *EmailService) List(ctx context.Context, filter domain.EmailListFilter) ([]*domain.Email, *domain.Cursor, error) {
	return s.emailRepo.List(ctx, filter)
}

func (s *EmailService) Events(ctx context.Context, appID, id string) ([]*domain.EmailEvent, error) {
	// Ownership check before touching the events table.
	if _, err := s.emailRepo.Get(ctx, appID, id); err != nil {
		return nil, err
	}
	return s.eventRepo.ListByEmail(ctx, id)
}

// Cancel stops a queued email before a worker picks it up. Anything past
// queued is already in flight and conflicts.
func (s *EmailService) Cancel(ctx context.Context, appID, id string) (*domain.Email, error) {
	email, err := s.emailRepo.Get(ctx, appID, id)
	if err != nil {
		return nil, err
	}

	applied, err := s.emailRepo.UpdateStatus(ctx, id,
		[]domain.EmailStatus{domain.EmailStatusQueued},
		domain.StatusUpdate{Status: domain.EmailStatusCancelled})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel email: %w", err)
	}
	if !applied {
		return nil, &domain.ConflictError{Message: fmt.Sprintf("email is %s, only queued emails can be cancelled", email.Status)}
	}
	return s.emailRepo.Get(ctx, appID, id)
}

// Retry re-queues a permanently failed email. The retry counter resets so
// the full backoff schedule applies again.
func (s *EmailService) Retry(ctx context.Context, appID, id string) (*domain.Email, error) {
	email, err := s.emailRepo.Get(ctx, appID, id)
	if err != nil {
		return nil, err
	}
	if email.Status != domain.EmailStatusFailed {
		return nil, &domain.ConflictError{Message: fmt.Sprintf("email is %s, only failed emails can be retried", email.Status)}
	}

	applied, err := s.emailRepo.TransitionWithEvent(ctx, id,
		[]domain.EmailStatus{domain.EmailStatusFailed},
		domain.StatusUpdate{Status: domain.EmailStatusQueued, ResetRetry: true},
		&domain.EmailEvent{
			EmailID: id,
			Type:    domain.EventQueued,
			Data:    domain.EventData{Queued: &domain.QueuedData{}},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retry email: %w", err)
	}
	if !applied {
		return nil, &domain.ConflictError{Message: "email is no longer failed"}
	}

	priority := 5
	if queue, err := s.queueRepo.Get(ctx, appID, email.QueueID); err == nil {
		priority = queue.Priority
	}
	// Fresh job id: the original completed or failed long ago.
	if _, err := s.broker.Enqueue(ctx, domain.JobQueueEmail,
		domain.SendJobPayload{EmailID: id, AppID: appID, QueueID: email.QueueID},
		broker.EnqueueOptions{JobID: id + "-retry-" + fmt.Sprint(time.Now().Unix()), Priority: priority}); err != nil {
		return nil, fmt.Errorf("failed to enqueue retry job: %w", err)
	}

	return s.emailRepo.Get(ctx, appID, id)
}
