package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sendline/sendline/internal/domain"
)

// psql is a squirrel StatementBuilder configured for PostgreSQL.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const uniqueViolation = "23505"

// EmailRepository implements domain.EmailRepository on Postgres.
type EmailRepository struct {
	db *sql.DB
}

func NewEmailRepository(db *sql.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

const emailColumns = `id, app_id, queue_id, idempotency_key, message_id,
	from_email, from_name, to_addrs, cc_addrs, bcc_addrs, reply_to, subject,
	html_body, text_body, headers, personalization, metadata, status,
	retry_count, last_error, scheduled_at, sent_at, delivered_at,
	created_at, updated_at`

// Insert persists a queued email. On an idempotency key collision the
// existing row is loaded and returned with replayed=true.
func (r *EmailRepository) Insert(ctx context.Context, email *domain.Email) (*domain.Email, bool, error) {
	now := time.Now().UTC()
	if email.ID == "" {
		email.ID = uuid.New().String()
	}
	email.Status = domain.EmailStatusQueued
	email.CreatedAt = now
	email.UpdatedAt = now

	toJSON, _ := json.Marshal(email.To)
	ccJSON, _ := json.Marshal(orEmptyAddrs(email.Cc))
	bccJSON, _ := json.Marshal(orEmptyAddrs(email.Bcc))
	headersJSON, _ := json.Marshal(orEmptyStringMap(email.Headers))
	personalizationJSON, _ := json.Marshal(orEmptyMap(email.Personalization))
	metadataJSON, _ := json.Marshal(orEmptyMap(email.Metadata))

	var replyToJSON interface{}
	if email.ReplyTo != nil {
		replyToJSON, _ = json.Marshal(email.ReplyTo)
	}

	query, args, err := psql.Insert("emails").
		Columns("id", "app_id", "queue_id", "idempotency_key", "message_id",
			"from_email", "from_name", "to_addrs", "cc_addrs", "bcc_addrs",
			"reply_to", "subject", "html_body", "text_body", "headers",
			"personalization", "metadata", "status", "retry_count",
			"last_error", "scheduled_at", "sent_at", "delivered_at",
			"created_at", "updated_at").
		Values(email.ID, email.AppID, email.QueueID, email.IdempotencyKey, nil,
			email.From.Email, email.From.Name, toJSON, ccJSON, bccJSON,
			replyToJSON, email.Subject, email.HTMLBody, email.TextBody, headersJSON,
			personalizationJSON, metadataJSON, email.Status, 0,
			nil, email.ScheduledAt, nil, nil,
			email.CreatedAt, email.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("failed to build insert query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && email.IdempotencyKey != nil {
			existing, lookupErr := r.FindByIdempotencyKey(ctx, email.AppID, *email.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("failed to insert email: %w", err)
	}

	return email, false, nil
}

// FindByIdempotencyKey returns the email stored under (app, key), nil when
// the key is unused.
func (r *EmailRepository) FindByIdempotencyKey(ctx context.Context, appID, key string) (*domain.Email, error) {
	query := fmt.Sprintf(`SELECT %s FROM emails WHERE app_id = $1 AND idempotency_key = $2`, emailColumns)
	row := r.db.QueryRowContext(ctx, query, appID, key)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load email by idempotency key: %w", err)
	}
	return email, nil
}

// GetByID loads an email regardless of tenant, for workers and tracking.
func (r *EmailRepository) GetByID(ctx context.Context, id string) (*domain.Email, error) {
	query := fmt.Sprintf(`SELECT %s FROM emails WHERE id = $1`, emailColumns)
	row := r.db.QueryRowContext(ctx, query, id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

func (r *EmailRepository) Get(ctx context.Context, appID, id string) (*domain.Email, error) {
	query := fmt.Sprintf(`SELECT %s FROM emails WHERE app_id = $1 AND id = $2`, emailColumns)
	row := r.db.QueryRowContext(ctx, query, appID, id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "email", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return email, nil
}

// List pages over (created_at desc, id desc) with keyset pagination.
func (r *EmailRepository) List(ctx context.Context, filter domain.EmailListFilter) ([]*domain.Email, *domain.Cursor, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	builder := psql.Select(emailColumns).
		From("emails").
		Where(sq.Eq{"app_id": filter.AppID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit) + 1)

	if filter.QueueID != "" {
		builder = builder.Where(sq.Eq{"queue_id": filter.QueueID})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Cursor != nil {
		builder = builder.Where(
			sq.Expr("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.ID),
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var emails []*domain.Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, nil, err
		}
		emails = append(emails, email)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating emails: %w", err)
	}

	var next *domain.Cursor
	if len(emails) > limit {
		emails = emails[:limit]
		last := emails[len(emails)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return emails, next, nil
}

// UpdateStatus applies a guarded transition. The WHERE clause restricts the
// update to rows in one of the allowed source states, so a redelivered job
// observing a stale status updates nothing.
func (r *EmailRepository) UpdateStatus(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate) (bool, error) {
	query, args, err := r.statusUpdateQuery(id, from, update)
	if err != nil {
		return false, err
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update email status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// TransitionWithEvent runs the guarded status update and the event append in
// one transaction; the event is written only when the transition applied.
func (r *EmailRepository) TransitionWithEvent(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate, event *domain.EmailEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := r.statusUpdateQuery(id, from, update)
	if err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update email status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if event != nil {
		if err := appendEventTx(ctx, tx, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (r *EmailRepository) statusUpdateQuery(id string, from []domain.EmailStatus, update domain.StatusUpdate) (string, []interface{}, error) {
	builder := psql.Update("emails").
		Set("status", update.Status).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})

	if len(from) > 0 {
		states := make([]string, len(from))
		for i, s := range from {
			states[i] = string(s)
		}
		builder = builder.Where(sq.Eq{"status": states})
	}
	if update.MessageID != nil {
		builder = builder.Set("message_id", *update.MessageID)
	}
	if update.LastError != nil {
		builder = builder.Set("last_error", *update.LastError)
	}
	if update.SentAt != nil {
		builder = builder.Set("sent_at", *update.SentAt)
	}
	if update.DeliveredAt != nil {
		builder = builder.Set("delivered_at", *update.DeliveredAt)
	}
	if update.IncrementRetry {
		builder = builder.Set("retry_count", sq.Expr("retry_count + 1"))
	}
	if update.ResetRetry {
		builder = builder.Set("retry_count", 0)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build status update: %w", err)
	}
	return query, args, nil
}

func (r *EmailRepository) Delete(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM emails WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "email", ID: id}
	}
	return nil
}

// CountForAppSince supports the tenant daily quota check.
func (r *EmailRepository) CountForAppSince(ctx context.Context, appID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE app_id = $1 AND created_at >= $2`,
		appID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmail(row rowScanner) (*domain.Email, error) {
	var (
		email           domain.Email
		toJSON          []byte
		ccJSON          []byte
		bccJSON         []byte
		replyToJSON     []byte
		headersJSON     []byte
		personalization []byte
		metadataJSON    []byte
	)
	err := row.Scan(
		&email.ID, &email.AppID, &email.QueueID, &email.IdempotencyKey, &email.MessageID,
		&email.From.Email, &email.From.Name, &toJSON, &ccJSON, &bccJSON,
		&replyToJSON, &email.Subject, &email.HTMLBody, &email.TextBody, &headersJSON,
		&personalization, &metadataJSON, &email.Status, &email.RetryCount,
		&email.LastError, &email.ScheduledAt, &email.SentAt, &email.DeliveredAt,
		&email.CreatedAt, &email.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(toJSON, &email.To); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to addresses: %w", err)
	}
	if len(ccJSON) > 0 {
		if err := json.Unmarshal(ccJSON, &email.Cc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cc addresses: %w", err)
		}
	}
	if len(bccJSON) > 0 {
		if err := json.Unmarshal(bccJSON, &email.Bcc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bcc addresses: %w", err)
		}
	}
	if len(replyToJSON) > 0 {
		email.ReplyTo = &domain.Address{}
		if err := json.Unmarshal(replyToJSON, email.ReplyTo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reply_to: %w", err)
		}
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &email.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}
	if len(personalization) > 0 {
		if err := json.Unmarshal(personalization, &email.Personalization); err != nil {
			return nil, fmt.Errorf("failed to unmarshal personalization: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &email.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &email, nil
}

func orEmptyAddrs(addrs []domain.Address) []domain.Address {
	if addrs == nil {
		return []domain.Address{}
	}
	return addrs
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
