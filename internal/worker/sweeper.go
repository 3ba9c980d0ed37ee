package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/service"
	"github.com/sendline/sendline/pkg/logger"
)

const (
	sweepInterval     = time.Minute
	retentionInterval = time.Hour
	sweepBatchSize    = 100
)

// Sweeper runs the periodic maintenance loops: returning expired job
// reservations, re-enqueueing due webhook retries, dropping expired
// suppressions and applying job retention.
type Sweeper struct {
	broker       *broker.Broker
	webhooks     *service.WebhookService
	suppressions *service.SuppressionService
	logger       logger.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSweeper(jobBroker *broker.Broker, webhooks *service.WebhookService, suppressions *service.SuppressionService, log logger.Logger) *Sweeper {
	return &Sweeper{
		broker:       jobBroker,
		webhooks:     webhooks,
		suppressions: suppressions,
		stop:         make(chan struct{}),
		logger:       log,
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		retention := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		defer retention.Stop()
		s.logger.Info("Sweeper started")
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep(context.Background())
			case <-retention.C:
				s.applyRetention(context.Background())
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.broker.ReleaseExpired(ctx); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to release expired job reservations")
	}
	if err := s.webhooks.SweepDue(ctx, sweepBatchSize); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to sweep due webhook deliveries")
	}
	if _, err := s.suppressions.SweepExpired(ctx); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to sweep expired suppressions")
	}
}

func (s *Sweeper) applyRetention(ctx context.Context) {
	for queue, policy := range broker.DefaultRetention {
		removed, err := s.broker.Cleanup(ctx, queue, policy)
		if err != nil {
			s.logger.WithFields(map[string]interface{}{
				"queue": queue,
				"error": err.Error(),
			}).Error("Failed to apply job retention")
			continue
		}
		if removed > 0 {
			s.logger.WithFields(map[string]interface{}{
				"queue":   queue,
				"removed": removed,
			}).Info("Applied job retention")
		}
	}
}
