package service

import (
	"context"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

// QueueStatsProvider exposes broker counters for observability endpoints.
type QueueStatsProvider interface {
	Stats(ctx context.Context, queue string) (*domain.JobStats, error)
}

// QueueService manages per-tenant send queues.
type QueueService struct {
	queueRepo domain.QueueRepository
	smtpRepo  domain.SMTPConfigRepository
	stats     QueueStatsProvider
	logger    logger.Logger
}

func NewQueueService(queueRepo domain.QueueRepository, smtpRepo domain.SMTPConfigRepository, stats QueueStatsProvider, log logger.Logger) *QueueService {
	return &QueueService{
		queueRepo: queueRepo,
		smtpRepo:  smtpRepo,
		stats:     stats,
		logger:    log,
	}
}

func (s *QueueService) Create(ctx context.Context, queue *domain.Queue) (*domain.Queue, error) {
	if queue.Priority == 0 {
		queue.Priority = 5
	}
	if queue.MaxRetries == 0 {
		queue.MaxRetries = 3
	}
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	// A dangling SMTP config reference fails fast instead of at send time.
	if queue.SMTPConfigID != nil {
		if _, err := s.smtpRepo.Get(ctx, queue.AppID, *queue.SMTPConfigID); err != nil {
			return nil, err
		}
	}
	if err := s.queueRepo.Create(ctx, queue); err != nil {
		return nil, err
	}
	return queue, nil
}

func (s *QueueService) Get(ctx context.Context, appID, id string) (*domain.Queue, error) {
	return s.queueRepo.Get(ctx, appID, id)
}

func (s *QueueService) List(ctx context.Context, appID string) ([]*domain.Queue, error) {
	return s.queueRepo.List(ctx, appID)
}

func (s *QueueService) Update(ctx context.Context, queue *domain.Queue) (*domain.Queue, error) {
	if err := queue.Validate(); err != nil {
		return nil, err
	}
	if queue.SMTPConfigID != nil {
		if _, err := s.smtpRepo.Get(ctx, queue.AppID, *queue.SMTPConfigID); err != nil {
			return nil, err
		}
	}
	if err := s.queueRepo.Update(ctx, queue); err != nil {
		return nil, err
	}
	return s.queueRepo.Get(ctx, queue.AppID, queue.ID)
}

// Pause stops workers from sending out of this queue. Queued emails stay
// queued; admission keeps rejecting new ones until resume.
func (s *QueueService) Pause(ctx context.Context, appID, id string) error {
	return s.queueRepo.SetPaused(ctx, appID, id, true)
}

func (s *QueueService) Resume(ctx context.Context, appID, id string) error {
	return s.queueRepo.SetPaused(ctx, appID, id, false)
}

func (s *QueueService) Delete(ctx context.Context, appID, id string) error {
	return s.queueRepo.Delete(ctx, appID, id)
}

// QueueStats is the observability snapshot of one tenant queue.
type QueueStats struct {
	Queue *domain.Queue    `json:"queue"`
	Jobs  *domain.JobStats `json:"jobs"`
}

// Stats combines queue configuration with live broker counters.
func (s *QueueService) Stats(ctx context.Context, appID, id string) (*QueueStats, error) {
	queue, err := s.queueRepo.Get(ctx, appID, id)
	if err != nil {
		return nil, err
	}
	jobStats, err := s.stats.Stats(ctx, domain.JobQueueEmail)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Queue: queue, Jobs: jobStats}, nil
}
