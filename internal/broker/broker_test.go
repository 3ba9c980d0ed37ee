package broker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

func newTestBroker(t *testing.T) (*Broker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBroker(db, logger.NewLogger()), mock
}

func TestBroker_Enqueue(t *testing.T) {
	t.Run("defaults priority and enqueues waiting", func(t *testing.T) {
		b, mock := newTestBroker(t)
		mock.ExpectExec("INSERT INTO jobs").
			WillReturnResult(sqlmock.NewResult(0, 1))

		job, err := b.Enqueue(context.Background(), domain.JobQueueEmail,
			domain.SendJobPayload{EmailID: "e-1", AppID: "a-1", QueueID: "q-1"},
			EnqueueOptions{})
		require.NoError(t, err)
		assert.Equal(t, 5, job.Priority)
		assert.Equal(t, domain.JobStatusWaiting, job.Status)
		assert.NotEmpty(t, job.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delay marks the job delayed", func(t *testing.T) {
		b, mock := newTestBroker(t)
		mock.ExpectExec("INSERT INTO jobs").
			WillReturnResult(sqlmock.NewResult(0, 1))

		job, err := b.Enqueue(context.Background(), domain.JobQueueEmail,
			domain.SendJobPayload{EmailID: "e-1"},
			EnqueueOptions{Priority: 10, Delay: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDelayed, job.Status)
		assert.True(t, job.ReadyAt.After(time.Now().UTC().Add(30*time.Second)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBroker_Reserve(t *testing.T) {
	t.Run("returns nil when queue empty", func(t *testing.T) {
		b, mock := newTestBroker(t)
		mock.ExpectQuery("UPDATE jobs SET status = 'active'").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "queue", "priority", "payload", "status", "attempts",
				"last_error", "ready_at", "reserved_until", "created_at", "completed_at",
			}))

		job, err := b.Reserve(context.Background(), domain.JobQueueEmail, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns the claimed job", func(t *testing.T) {
		b, mock := newTestBroker(t)
		now := time.Now().UTC()
		reserved := now.Add(time.Minute)
		mock.ExpectQuery("UPDATE jobs SET status = 'active'").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "queue", "priority", "payload", "status", "attempts",
				"last_error", "ready_at", "reserved_until", "created_at", "completed_at",
			}).AddRow("j-1", "email", 10, []byte(`{"email_id":"e-1"}`), "active", 1,
				nil, now, reserved, now, nil))

		job, err := b.Reserve(context.Background(), domain.JobQueueEmail, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "j-1", job.ID)
		assert.Equal(t, 1, job.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBroker_Fail(t *testing.T) {
	t.Run("retryAt reschedules as delayed", func(t *testing.T) {
		b, mock := newTestBroker(t)
		mock.ExpectExec("UPDATE jobs SET status = 'delayed'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		retryAt := time.Now().UTC().Add(30 * time.Second)
		err := b.Fail(context.Background(), "j-1", "connection refused", &retryAt)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil retryAt fails terminally", func(t *testing.T) {
		b, mock := newTestBroker(t)
		mock.ExpectExec("UPDATE jobs SET status = 'failed'").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := b.Fail(context.Background(), "j-1", "permanent error", nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBroker_ReleaseExpired(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectExec("UPDATE jobs SET status = 'waiting'").
		WillReturnResult(sqlmock.NewResult(0, 3))

	released, err := b.ReleaseExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroker_PauseResume(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectExec("INSERT INTO job_queue_control").
		WithArgs(domain.JobQueueEmail, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_queue_control").
		WithArgs(domain.JobQueueEmail, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.Pause(context.Background(), domain.JobQueueEmail))
	require.NoError(t, b.Resume(context.Background(), domain.JobQueueEmail))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroker_Stats(t *testing.T) {
	b, mock := newTestBroker(t)
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("waiting", 4).
			AddRow("active", 2).
			AddRow("failed", 1))

	stats, err := b.Stats(context.Background(), domain.JobQueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Waiting)
	assert.Equal(t, int64(2), stats.Active)
	assert.Equal(t, int64(1), stats.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
