package domain

import (
	"context"
	"time"
)

// ScheduledJob is a recurring send defined by a cron expression. At each
// fire time the embedded template is submitted through the ordinary
// admission path, so rate limits and suppressions still apply.
type ScheduledJob struct {
	ID         string             `json:"id"`
	AppID      string             `json:"app_id"`
	QueueID    string             `json:"queue_id"`
	Name       string             `json:"name"`
	CronExpr   string             `json:"cron"`
	Timezone   string             `json:"timezone"`
	Template   CreateEmailRequest `json:"template"`
	Active     bool               `json:"active"`
	LastRunAt  *time.Time         `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time         `json:"next_run_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ScheduledJobRepository is the persistence port for recurring sends.
type ScheduledJobRepository interface {
	Create(ctx context.Context, job *ScheduledJob) error
	Get(ctx context.Context, appID, id string) (*ScheduledJob, error)
	List(ctx context.Context, appID string) ([]*ScheduledJob, error)
	Update(ctx context.Context, job *ScheduledJob) error
	Delete(ctx context.Context, appID, id string) error

	// Due returns active jobs whose next_run_at has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*ScheduledJob, error)

	// MarkRun records a fire and the next computed fire time.
	MarkRun(ctx context.Context, id string, ranAt time.Time, nextRunAt time.Time) error
}
