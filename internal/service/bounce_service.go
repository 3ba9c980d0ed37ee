package service

import (
	"context"
	"time"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

// softBounceSuppressionTTL is how long a soft bounce blocks an address.
// Hard bounces and complaints suppress permanently.
const softBounceSuppressionTTL = 72 * time.Hour

// BounceService ingests delivery notifications (bounces, complaints,
// delivery confirmations) from the feedback endpoint and applies their
// consequences: status transition, suppression, reputation, webhook.
type BounceService struct {
	emailRepo       domain.EmailRepository
	eventRepo       domain.EmailEventRepository
	suppressionRepo domain.SuppressionRepository
	reputationRepo  domain.ReputationRepository
	appRepo         domain.AppRepository
	queueRepo       domain.QueueRepository
	dispatcher      Dispatcher
	logger          logger.Logger
}

func NewBounceService(
	emailRepo domain.EmailRepository,
	eventRepo domain.EmailEventRepository,
	suppressionRepo domain.SuppressionRepository,
	reputationRepo domain.ReputationRepository,
	appRepo domain.AppRepository,
	queueRepo domain.QueueRepository,
	dispatcher Dispatcher,
	log logger.Logger,
) *BounceService {
	return &BounceService{
		emailRepo:       emailRepo,
		eventRepo:       eventRepo,
		suppressionRepo: suppressionRepo,
		reputationRepo:  reputationRepo,
		appRepo:         appRepo,
		queueRepo:       queueRepo,
		dispatcher:      dispatcher,
		logger:          log,
	}
}

// RecordDelivered confirms a sent email reached the recipient's server.
func (s *BounceService) RecordDelivered(ctx context.Context, appID, emailID, recipient string) error {
	email, err := s.emailRepo.Get(ctx, appID, emailID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	applied, err := s.emailRepo.TransitionWithEvent(ctx, emailID,
		[]domain.EmailStatus{domain.EmailStatusSent},
		domain.StatusUpdate{Status: domain.EmailStatusDelivered, DeliveredAt: &now},
		&domain.EmailEvent{
			EmailID: emailID,
			Type:    domain.EventDelivered,
			Data:    domain.EventData{Delivered: &domain.DeliveredData{Recipient: recipient}},
		})
	if err != nil {
		return err
	}
	if !applied {
		return &domain.ConflictError{Message: "email is not in sent state"}
	}

	if err := s.reputationRepo.RecordDelivered(ctx, appID); err != nil {
		s.logger.WithField("app_id", appID).Warn("Failed to record delivery for reputation")
	}
	email.Status = domain.EmailStatusDelivered
	s.dispatch(ctx, email, domain.WebhookEmailDelivered,
		&domain.EventData{Delivered: &domain.DeliveredData{Recipient: recipient}})
	return nil
}

// RecordBounce applies a bounce notification: the email moves to bounced,
// the address is suppressed (permanently for hard bounces, temporarily for
// soft), and reputation takes the hit.
func (s *BounceService) RecordBounce(ctx context.Context, appID, emailID, recipient, bounceType, reason string) error {
	if bounceType != "hard" && bounceType != "soft" {
		return domain.NewFieldValidationError("bounce_type", "bounce_type must be hard or soft")
	}
	email, err := s.emailRepo.Get(ctx, appID, emailID)
	if err != nil {
		return err
	}

	data := &domain.BouncedData{BounceType: bounceType, Reason: reason}
	applied, err := s.emailRepo.TransitionWithEvent(ctx, emailID,
		[]domain.EmailStatus{domain.EmailStatusSent},
		domain.StatusUpdate{Status: domain.EmailStatusBounced},
		&domain.EmailEvent{
			EmailID: emailID,
			Type:    domain.EventBounced,
			Data:    domain.EventData{Bounced: data},
		})
	if err != nil {
		return err
	}
	if !applied {
		return &domain.ConflictError{Message: "email is not in sent state"}
	}

	hard := bounceType == "hard"
	suppression := &domain.Suppression{
		AppID:         &appID,
		Email:         recipient,
		Reason:        domain.SuppressionHardBounce,
		SourceEmailID: &emailID,
	}
	if !hard {
		expires := time.Now().UTC().Add(softBounceSuppressionTTL)
		suppression.Reason = domain.SuppressionSoftBounce
		suppression.ExpiresAt = &expires
	}
	if err := s.suppressionRepo.Insert(ctx, suppression); err != nil {
		s.logger.WithField("email", recipient).Warn("Failed to suppress bounced address")
	}
	if err := s.reputationRepo.RecordBounced(ctx, appID, hard); err != nil {
		s.logger.WithField("app_id", appID).Warn("Failed to record bounce for reputation")
	}

	email.Status = domain.EmailStatusBounced
	s.dispatch(ctx, email, domain.WebhookEmailBounced, &domain.EventData{Bounced: data})
	return nil
}

// RecordComplaint applies a spam complaint: permanent suppression and a
// steep reputation penalty. The email keeps its current status.
func (s *BounceService) RecordComplaint(ctx context.Context, appID, emailID, recipient, complaintType string) error {
	email, err := s.emailRepo.Get(ctx, appID, emailID)
	if err != nil {
		return err
	}

	data := &domain.ComplainedData{ComplaintType: complaintType}
	if err := s.eventRepo.Append(ctx, &domain.EmailEvent{
		EmailID: emailID,
		Type:    domain.EventComplained,
		Data:    domain.EventData{Complained: data},
	}); err != nil {
		return err
	}

	if err := s.suppressionRepo.Insert(ctx, &domain.Suppression{
		AppID:         &appID,
		Email:         recipient,
		Reason:        domain.SuppressionComplaint,
		SourceEmailID: &emailID,
	}); err != nil {
		s.logger.WithField("email", recipient).Warn("Failed to suppress complaining address")
	}
	if err := s.reputationRepo.RecordComplaint(ctx, appID); err != nil {
		s.logger.WithField("app_id", appID).Warn("Failed to record complaint for reputation")
	}

	s.dispatch(ctx, email, domain.WebhookEmailComplained, &domain.EventData{Complained: data})
	return nil
}

// RecordUnsubscribe suppresses an address at the recipient's request.
func (s *BounceService) RecordUnsubscribe(ctx context.Context, appID, emailID, recipient, source string) error {
	if _, err := s.emailRepo.Get(ctx, appID, emailID); err != nil {
		return err
	}
	if err := s.eventRepo.Append(ctx, &domain.EmailEvent{
		EmailID: emailID,
		Type:    domain.EventUnsubscribed,
		Data:    domain.EventData{Unsubscribe: &domain.UnsubscribeData{Source: source}},
	}); err != nil {
		return err
	}
	if err := s.suppressionRepo.Insert(ctx, &domain.Suppression{
		AppID:         &appID,
		Email:         recipient,
		Reason:        domain.SuppressionUnsubscribe,
		SourceEmailID: &emailID,
	}); err != nil {
		s.logger.WithField("email", recipient).Warn("Failed to suppress unsubscribed address")
	}
	return nil
}

func (s *BounceService) dispatch(ctx context.Context, email *domain.Email, eventType string, event *domain.EventData) {
	app, err := s.appRepo.Get(ctx, email.AppID)
	if err != nil {
		return
	}
	queueName := ""
	if queue, err := s.queueRepo.Get(ctx, email.AppID, email.QueueID); err == nil {
		queueName = queue.Name
	}
	s.dispatcher.Dispatch(ctx, app, email, queueName, eventType, event)
}
