package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

type fakeScheduledJobRepo struct {
	jobs map[string]*domain.ScheduledJob

	mu   sync.Mutex
	runs []string
}

func (f *fakeScheduledJobRepo) Create(ctx context.Context, job *domain.ScheduledJob) error {
	if f.jobs == nil {
		f.jobs = map[string]*domain.ScheduledJob{}
	}
	if job.ID == "" {
		job.ID = "sched-1"
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeScheduledJobRepo) Get(ctx context.Context, appID, id string) (*domain.ScheduledJob, error) {
	if job, ok := f.jobs[id]; ok && job.AppID == appID {
		return job, nil
	}
	return nil, &domain.ErrNotFound{Entity: "scheduled_job", ID: id}
}

func (f *fakeScheduledJobRepo) List(ctx context.Context, appID string) ([]*domain.ScheduledJob, error) {
	var out []*domain.ScheduledJob
	for _, job := range f.jobs {
		if job.AppID == appID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeScheduledJobRepo) Update(ctx context.Context, job *domain.ScheduledJob) error {
	if _, ok := f.jobs[job.ID]; !ok {
		return &domain.ErrNotFound{Entity: "scheduled_job", ID: job.ID}
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeScheduledJobRepo) Delete(ctx context.Context, appID, id string) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeScheduledJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledJob, error) {
	var out []*domain.ScheduledJob
	for _, job := range f.jobs {
		if job.Active && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeScheduledJobRepo) MarkRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, id)
	if job, ok := f.jobs[id]; ok {
		job.LastRunAt = &ranAt
		job.NextRunAt = &nextRunAt
	}
	return nil
}

func TestValidateCron(t *testing.T) {
	from := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		timezone string
		want     time.Time
		wantErr  bool
	}{
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			want: time.Date(2026, 3, 10, 9, 35, 0, 0, time.UTC),
		},
		{
			name: "daily at midnight",
			expr: "0 0 * * *",
			want: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "timezone applied",
			expr:     "0 12 * * *",
			timezone: "America/New_York",
			// 09:30 UTC is 04:30 in New York, so noon local is later today.
			want: time.Date(2026, 3, 10, 12, 0, 0, 0, mustLoadLocation(t, "America/New_York")),
		},
		{
			name:    "six fields rejected",
			expr:    "0 0 0 * * *",
			wantErr: true,
		},
		{
			name:    "garbage rejected",
			expr:    "not a cron",
			wantErr: true,
		},
		{
			name:     "unknown timezone rejected",
			expr:     "0 0 * * *",
			timezone: "Mars/Olympus",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := ValidateCron(tt.expr, tt.timezone, from)
			if tt.wantErr {
				var validation *domain.ValidationError
				assert.ErrorAs(t, err, &validation)
				return
			}
			require.NoError(t, err)
			assert.True(t, next.Equal(tt.want), "got %s, want %s", next, tt.want)
		})
	}
}

func mustLoadLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

type schedulerFixture struct {
	jobs      *fakeScheduledJobRepo
	admission *admissionFixture
	service   *SchedulerService
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	af := newAdmissionFixture(t)
	jobs := &fakeScheduledJobRepo{}
	appRepo := &fakeAppRepo{apps: map[string]*domain.App{af.app.ID: af.app}}
	return &schedulerFixture{
		jobs:      jobs,
		admission: af,
		service:   NewSchedulerService(jobs, af.queues, appRepo, af.service, logger.NewTestLogger(t)),
	}
}

func scheduledJob() *domain.ScheduledJob {
	return &domain.ScheduledJob{
		AppID:    "app-1",
		Name:     "weekly-digest",
		CronExpr: "0 9 * * 1",
		Template: *validRequest(),
	}
}

func TestSchedulerCreate(t *testing.T) {
	f := newSchedulerFixture(t)

	job, err := f.service.Create(context.Background(), scheduledJob())
	require.NoError(t, err)

	assert.True(t, job.Active)
	assert.Equal(t, "UTC", job.Timezone)
	assert.Equal(t, "queue-1", job.QueueID)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now()))
}

func TestSchedulerCreateRequiresName(t *testing.T) {
	f := newSchedulerFixture(t)

	job := scheduledJob()
	job.Name = ""
	_, err := f.service.Create(context.Background(), job)

	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestSchedulerCreateInvalidCron(t *testing.T) {
	f := newSchedulerFixture(t)

	job := scheduledJob()
	job.CronExpr = "61 * * * *"
	_, err := f.service.Create(context.Background(), job)

	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestSchedulerCreateUnknownQueue(t *testing.T) {
	f := newSchedulerFixture(t)

	job := scheduledJob()
	job.Template.Queue = "missing"
	_, err := f.service.Create(context.Background(), job)

	assert.Equal(t, domain.CodeQueueNotFound, domain.ErrorCode(err))
}

func TestRunDueFiresAndAdvances(t *testing.T) {
	f := newSchedulerFixture(t)

	past := time.Now().Add(-time.Minute)
	job := scheduledJob()
	job.ID = "sched-1"
	job.Active = true
	job.Timezone = "UTC"
	job.NextRunAt = &past
	require.NoError(t, f.jobs.Create(context.Background(), job))

	f.service.runDue(context.Background())

	assert.Equal(t, []string{"sched-1"}, f.jobs.runs)
	assert.Equal(t, 1, f.admission.emails.insertCount())
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now()))
}

func TestRunDueSkipsRejectedFire(t *testing.T) {
	f := newSchedulerFixture(t)
	f.admission.queue.Paused = true

	past := time.Now().Add(-time.Minute)
	job := scheduledJob()
	job.ID = "sched-1"
	job.Active = true
	job.Timezone = "UTC"
	job.NextRunAt = &past
	require.NoError(t, f.jobs.Create(context.Background(), job))

	f.service.runDue(context.Background())

	// The schedule advances even though admission rejected the fire.
	assert.Equal(t, []string{"sched-1"}, f.jobs.runs)
	assert.Zero(t, f.admission.emails.insertCount())
}

func TestRunDueIgnoresInactiveJobs(t *testing.T) {
	f := newSchedulerFixture(t)

	past := time.Now().Add(-time.Minute)
	job := scheduledJob()
	job.ID = "sched-1"
	job.Active = false
	job.NextRunAt = &past
	require.NoError(t, f.jobs.Create(context.Background(), job))

	f.service.runDue(context.Background())

	assert.Empty(t, f.jobs.runs)
}
