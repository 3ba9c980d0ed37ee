package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
)

func TestEmailRepository_Insert(t *testing.T) {
	t.Run("inserts new email", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectExec("INSERT INTO emails").
			WillReturnResult(sqlmock.NewResult(0, 1))

		email := &domain.Email{
			AppID:   "11111111-1111-1111-1111-111111111111",
			QueueID: "22222222-2222-2222-2222-222222222222",
			From:    domain.Address{Email: "sender@example.com"},
			To:      []domain.Address{{Email: "rcpt@example.com"}},
			Subject: "Welcome",
		}
		got, replayed, err := repo.Insert(context.Background(), email)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, domain.EmailStatusQueued, got.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replays existing email on idempotency conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		key := "order-42"

		mock.ExpectExec("INSERT INTO emails").
			WillReturnError(&pq.Error{Code: uniqueViolation})

		now := time.Now().UTC()
		rows := sqlmock.NewRows([]string{
			"id", "app_id", "queue_id", "idempotency_key", "message_id",
			"from_email", "from_name", "to_addrs", "cc_addrs", "bcc_addrs",
			"reply_to", "subject", "html_body", "text_body", "headers",
			"personalization", "metadata", "status", "retry_count",
			"last_error", "scheduled_at", "sent_at", "delivered_at",
			"created_at", "updated_at",
		}).AddRow(
			"33333333-3333-3333-3333-333333333333",
			"11111111-1111-1111-1111-111111111111",
			"22222222-2222-2222-2222-222222222222",
			key, nil,
			"sender@example.com", "", []byte(`[{"email":"rcpt@example.com"}]`),
			[]byte(`[]`), []byte(`[]`), nil, "Welcome", "", "hello",
			[]byte(`{}`), []byte(`{}`), []byte(`{}`), "queued", 0,
			nil, nil, nil, nil, now, now,
		)
		mock.ExpectQuery("SELECT (.+) FROM emails WHERE app_id").
			WithArgs("11111111-1111-1111-1111-111111111111", key).
			WillReturnRows(rows)

		email := &domain.Email{
			AppID:          "11111111-1111-1111-1111-111111111111",
			QueueID:        "22222222-2222-2222-2222-222222222222",
			IdempotencyKey: &key,
			From:           domain.Address{Email: "sender@example.com"},
			To:             []domain.Address{{Email: "rcpt@example.com"}},
			Subject:        "Welcome",
			TextBody:       "hello",
		}
		got, replayed, err := repo.Insert(context.Background(), email)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, "33333333-3333-3333-3333-333333333333", got.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmailRepository_UpdateStatus(t *testing.T) {
	t.Run("applies guarded transition", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectExec("UPDATE emails").
			WillReturnResult(sqlmock.NewResult(0, 1))

		applied, err := repo.UpdateStatus(context.Background(), "some-id",
			[]domain.EmailStatus{domain.EmailStatusQueued},
			domain.StatusUpdate{Status: domain.EmailStatusProcessing})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns false when guard matches no row", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectExec("UPDATE emails").
			WillReturnResult(sqlmock.NewResult(0, 0))

		applied, err := repo.UpdateStatus(context.Background(), "some-id",
			[]domain.EmailStatus{domain.EmailStatusQueued},
			domain.StatusUpdate{Status: domain.EmailStatusCancelled})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmailRepository_TransitionWithEvent(t *testing.T) {
	t.Run("commits update and event together", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE emails").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO email_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		event := &domain.EmailEvent{
			EmailID: "some-id",
			Type:    domain.EventProcessing,
			Data:    domain.EventData{Processing: &domain.ProcessingData{Attempt: 1}},
		}
		applied, err := repo.TransitionWithEvent(context.Background(), "some-id",
			[]domain.EmailStatus{domain.EmailStatusQueued},
			domain.StatusUpdate{Status: domain.EmailStatusProcessing}, event)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back without event when guard fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE emails").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		event := &domain.EmailEvent{
			EmailID: "some-id",
			Type:    domain.EventSent,
			Data:    domain.EventData{Sent: &domain.SentData{MessageID: "mid"}},
		}
		applied, err := repo.TransitionWithEvent(context.Background(), "some-id",
			[]domain.EmailStatus{domain.EmailStatusProcessing},
			domain.StatusUpdate{Status: domain.EmailStatusSent}, event)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmailRepository_List(t *testing.T) {
	t.Run("returns next cursor when page is full", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

		rows := sqlmock.NewRows([]string{
			"id", "app_id", "queue_id", "idempotency_key", "message_id",
			"from_email", "from_name", "to_addrs", "cc_addrs", "bcc_addrs",
			"reply_to", "subject", "html_body", "text_body", "headers",
			"personalization", "metadata", "status", "retry_count",
			"last_error", "scheduled_at", "sent_at", "delivered_at",
			"created_at", "updated_at",
		})
		for i := 0; i < 3; i++ {
			rows.AddRow(
				"00000000-0000-0000-0000-00000000000"+string(rune('1'+i)),
				"app-1", "queue-1", nil, nil,
				"sender@example.com", "", []byte(`[{"email":"rcpt@example.com"}]`),
				[]byte(`[]`), []byte(`[]`), nil, "Subject", "", "body",
				[]byte(`{}`), []byte(`{}`), []byte(`{}`), "queued", 0,
				nil, nil, nil, nil, base.Add(-time.Duration(i)*time.Minute), base,
			)
		}
		mock.ExpectQuery("SELECT (.+) FROM emails").WillReturnRows(rows)

		emails, next, err := repo.List(context.Background(), domain.EmailListFilter{
			AppID: "app-1",
			Limit: 2,
		})
		require.NoError(t, err)
		assert.Len(t, emails, 2)
		require.NotNil(t, next)
		assert.Equal(t, emails[1].ID, next.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns nil cursor when exhausted", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		rows := sqlmock.NewRows([]string{
			"id", "app_id", "queue_id", "idempotency_key", "message_id",
			"from_email", "from_name", "to_addrs", "cc_addrs", "bcc_addrs",
			"reply_to", "subject", "html_body", "text_body", "headers",
			"personalization", "metadata", "status", "retry_count",
			"last_error", "scheduled_at", "sent_at", "delivered_at",
			"created_at", "updated_at",
		})
		mock.ExpectQuery("SELECT (.+) FROM emails").WillReturnRows(rows)

		emails, next, err := repo.List(context.Background(), domain.EmailListFilter{AppID: "app-1"})
		require.NoError(t, err)
		assert.Empty(t, emails)
		assert.Nil(t, next)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEmailRepository_Get(t *testing.T) {
	t.Run("returns not found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		repo := NewEmailRepository(db)
		mock.ExpectQuery("SELECT (.+) FROM emails").
			WillReturnError(sql.ErrNoRows)

		_, err = repo.Get(context.Background(), "app-1", "missing")
		var notFound *domain.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}
