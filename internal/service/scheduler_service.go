package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

const (
	schedulerPollInterval = 30 * time.Second
	schedulerBatchSize    = 50
)

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SchedulerService manages recurring sends. Each due job's template goes
// through the ordinary admission path, so a fire that hits a rate limit or a
// suppression is skipped, not queued.
type SchedulerService struct {
	jobRepo   domain.ScheduledJobRepository
	queueRepo domain.QueueRepository
	appRepo   domain.AppRepository
	admission *AdmissionService
	logger    logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSchedulerService(jobRepo domain.ScheduledJobRepository, queueRepo domain.QueueRepository, appRepo domain.AppRepository, admission *AdmissionService, log logger.Logger) *SchedulerService {
	return &SchedulerService{
		jobRepo:   jobRepo,
		queueRepo: queueRepo,
		appRepo:   appRepo,
		admission: admission,
		logger:    log,
		stop:      make(chan struct{}),
	}
}

// ValidateCron parses an expression in a timezone and returns the next fire
// time. Used by the create path and the validation endpoint.
func ValidateCron(expr, timezone string, from time.Time) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, domain.NewFieldValidationError("timezone", fmt.Sprintf("unknown timezone %q", timezone))
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, domain.NewFieldValidationError("cron", fmt.Sprintf("invalid cron expression: %v", err))
	}
	return schedule.Next(from.In(loc)), nil
}

func (s *SchedulerService) Create(ctx context.Context, job *domain.ScheduledJob) (*domain.ScheduledJob, error) {
	if job.Name == "" {
		return nil, domain.NewFieldValidationError("name", "name is required")
	}
	if err := job.Template.Validate(); err != nil {
		return nil, err
	}
	queue, err := s.queueRepo.GetByName(ctx, job.AppID, job.Template.Queue)
	if err != nil {
		return nil, err
	}
	job.QueueID = queue.ID

	next, err := ValidateCron(job.CronExpr, job.Timezone, time.Now())
	if err != nil {
		return nil, err
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Active = true
	job.NextRunAt = &next

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SchedulerService) Get(ctx context.Context, appID, id string) (*domain.ScheduledJob, error) {
	return s.jobRepo.Get(ctx, appID, id)
}

func (s *SchedulerService) List(ctx context.Context, appID string) ([]*domain.ScheduledJob, error) {
	return s.jobRepo.List(ctx, appID)
}

func (s *SchedulerService) Update(ctx context.Context, job *domain.ScheduledJob) (*domain.ScheduledJob, error) {
	if err := job.Template.Validate(); err != nil {
		return nil, err
	}
	next, err := ValidateCron(job.CronExpr, job.Timezone, time.Now())
	if err != nil {
		return nil, err
	}
	job.NextRunAt = &next
	if err := s.jobRepo.Update(ctx, job); err != nil {
		return nil, err
	}
	return s.jobRepo.Get(ctx, job.AppID, job.ID)
}

func (s *SchedulerService) Delete(ctx context.Context, appID, id string) error {
	return s.jobRepo.Delete(ctx, appID, id)
}

// Start launches the polling loop.
func (s *SchedulerService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(schedulerPollInterval)
		defer ticker.Stop()
		s.logger.Info("Scheduler started")
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runDue(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick.
func (s *SchedulerService) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// runDue fires every due job once and advances its next run. A fire that
// admission rejects is logged and skipped; the schedule moves on.
func (s *SchedulerService) runDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.jobRepo.Due(ctx, now, schedulerBatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to load due scheduled jobs")
		return
	}

	for _, job := range due {
		next, err := ValidateCron(job.CronExpr, job.Timezone, now)
		if err != nil {
			s.logger.WithField("job_id", job.ID).Error("Scheduled job has invalid cron, skipping")
			continue
		}
		// Advance the schedule before submitting so a crash mid-submit cannot
		// fire the same slot twice.
		if err := s.jobRepo.MarkRun(ctx, job.ID, now, next); err != nil {
			s.logger.WithField("job_id", job.ID).Error("Failed to mark scheduled job run")
			continue
		}

		app, err := s.appRepo.Get(ctx, job.AppID)
		if err != nil {
			s.logger.WithField("job_id", job.ID).Error("Scheduled job tenant missing")
			continue
		}
		template := job.Template
		if _, _, _, err := s.admission.Submit(ctx, &AuthContext{App: app}, &template, nil); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Warn("Scheduled fire rejected by admission")
			continue
		}
		s.logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"next_run": next,
		}).Info("Scheduled job fired")
	}
}
