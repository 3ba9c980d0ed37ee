// Package broker implements the durable job queue on Postgres. Jobs are
// reserved with FOR UPDATE SKIP LOCKED so concurrent workers never hand the
// same job out twice, and a visibility timeout returns jobs from crashed
// workers to the waiting pool.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

// DefaultVisibility is how long a reserved job stays invisible before the
// sweeper returns it to waiting.
const DefaultVisibility = 5 * time.Minute

// RetentionPolicy bounds how long terminal jobs are kept, by age and count.
type RetentionPolicy struct {
	CompletedAge time.Duration
	CompletedMax int
	FailedAge    time.Duration
	FailedMax    int
}

// DefaultRetention mirrors the delivery pipeline's retention: completed jobs
// are short-lived, failures stick around long enough to debug.
var DefaultRetention = map[string]RetentionPolicy{
	domain.JobQueueEmail: {
		CompletedAge: 24 * time.Hour,
		CompletedMax: 1000,
		FailedAge:    7 * 24 * time.Hour,
		FailedMax:    5000,
	},
	domain.JobQueueWebhook: {
		CompletedAge: 24 * time.Hour,
		CompletedMax: 1000,
		FailedAge:    7 * 24 * time.Hour,
		FailedMax:    5000,
	},
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// JobID pins the job's identity; zero means a fresh UUID. Enqueueing an
	// existing ID is a no-op, which gives producers idempotent enqueues.
	JobID string
	// Priority 1-10, 10 dispatched first. Zero means 5.
	Priority int
	// Delay postpones visibility.
	Delay time.Duration
}

// Broker is the durable queue. All state lives in the jobs table.
type Broker struct {
	db     *sql.DB
	logger logger.Logger
}

func NewBroker(db *sql.DB, log logger.Logger) *Broker {
	return &Broker{db: db, logger: log}
}

// Enqueue adds a job to a logical queue.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (*domain.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        opts.JobID,
		Queue:     queue,
		Priority:  opts.Priority,
		Payload:   body,
		Status:    domain.JobStatusWaiting,
		ReadyAt:   now,
		CreatedAt: now,
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority < 1 || job.Priority > 10 {
		job.Priority = 5
	}
	if opts.Delay > 0 {
		job.Status = domain.JobStatusDelayed
		job.ReadyAt = now.Add(opts.Delay)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, priority, payload, status, attempts, ready_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Queue, job.Priority, body, job.Status, job.ReadyAt, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job, nil
}

const reserveQuery = `
	UPDATE jobs SET status = 'active', attempts = attempts + 1, reserved_until = $3
	WHERE id = (
		SELECT id FROM jobs
		WHERE queue = $1
		  AND status IN ('waiting', 'delayed')
		  AND ready_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM job_queue_control c WHERE c.queue = $1 AND c.paused
		  )
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING id, queue, priority, payload, status, attempts, last_error,
		ready_at, reserved_until, created_at, completed_at`

// Reserve claims the highest-priority ready job, FIFO within a priority.
// Returns nil when the queue is empty. The job stays invisible until
// visibility elapses, Complete, or Fail.
func (b *Broker) Reserve(ctx context.Context, queue string, visibility time.Duration) (*domain.Job, error) {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	now := time.Now().UTC()
	row := b.db.QueryRowContext(ctx, reserveQuery, queue, now, now.Add(visibility))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	return job, nil
}

// Complete marks a job done.
func (b *Broker) Complete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', reserved_until = NULL, completed_at = $1
		WHERE id = $2 AND status = 'active'`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. With retryAt set the job goes back to
// delayed and becomes visible at that time; without it the job is terminal.
func (b *Broker) Fail(ctx context.Context, id string, jobErr string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = b.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'delayed', last_error = $1, ready_at = $2, reserved_until = NULL
			WHERE id = $3 AND status = 'active'`,
			jobErr, retryAt.UTC(), id)
	} else {
		_, err = b.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', last_error = $1, reserved_until = NULL, completed_at = $2
			WHERE id = $3 AND status = 'active'`,
			jobErr, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// Extend pushes a reserved job's visibility deadline out, for handlers that
// legitimately outlive the default window.
func (b *Broker) Extend(ctx context.Context, id string, visibility time.Duration) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET reserved_until = $1 WHERE id = $2 AND status = 'active'`,
		time.Now().UTC().Add(visibility), id)
	if err != nil {
		return fmt.Errorf("failed to extend job visibility: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "job", ID: id}
	}
	return nil
}

// ReleaseExpired returns jobs whose reservation lapsed to the waiting pool.
// Run periodically; crashed workers lose their claim here.
func (b *Broker) ReleaseExpired(ctx context.Context) (int64, error) {
	result, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', reserved_until = NULL
		WHERE status = 'active' AND reserved_until <= $1`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired jobs: %w", err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if released > 0 {
		b.logger.WithField("count", released).Warn("Released jobs with expired reservations")
	}
	return released, nil
}

// Pause stops Reserve from handing out jobs for one logical queue. Enqueues
// still land and reserved jobs run to completion; this is the broker-level
// valve, separate from a tenant queue's paused flag.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, true)
}

// Resume reopens a paused logical queue.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.setPaused(ctx, queue, false)
}

func (b *Broker) setPaused(ctx context.Context, queue string, paused bool) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO job_queue_control (queue, paused, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (queue) DO UPDATE SET paused = $2, updated_at = $3`,
		queue, paused, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set queue paused state: %w", err)
	}
	return nil
}

// Stats summarizes one logical queue.
func (b *Broker) Stats(ctx context.Context, queue string) (*domain.JobStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.JobStats{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job stats: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobStatusWaiting:
			stats.Waiting = count
		case domain.JobStatusActive:
			stats.Active = count
		case domain.JobStatusDelayed:
			stats.Delayed = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job stats: %w", err)
	}
	return stats, nil
}

// Cleanup applies the retention policy to terminal jobs in one queue.
func (b *Broker) Cleanup(ctx context.Context, queue string, policy RetentionPolicy) (int64, error) {
	var total int64
	now := time.Now().UTC()

	steps := []struct {
		status string
		age    time.Duration
		max    int
	}{
		{"completed", policy.CompletedAge, policy.CompletedMax},
		{"failed", policy.FailedAge, policy.FailedMax},
	}
	for _, step := range steps {
		if step.age > 0 {
			result, err := b.db.ExecContext(ctx, `
				DELETE FROM jobs WHERE queue = $1 AND status = $2 AND completed_at <= $3`,
				queue, step.status, now.Add(-step.age))
			if err != nil {
				return total, fmt.Errorf("failed to expire %s jobs: %w", step.status, err)
			}
			n, _ := result.RowsAffected()
			total += n
		}
		if step.max > 0 {
			result, err := b.db.ExecContext(ctx, `
				DELETE FROM jobs WHERE id IN (
					SELECT id FROM jobs WHERE queue = $1 AND status = $2
					ORDER BY completed_at DESC OFFSET $3
				)`, queue, step.status, step.max)
			if err != nil {
				return total, fmt.Errorf("failed to trim %s jobs: %w", step.status, err)
			}
			n, _ := result.RowsAffected()
			total += n
		}
	}
	return total, nil
}

func scanJob(row *sql.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		payload []byte
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Priority, &payload, &job.Status,
		&job.Attempts, &job.LastError, &job.ReadyAt, &job.ReservedUntil,
		&job.CreatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	return &job, nil
}
