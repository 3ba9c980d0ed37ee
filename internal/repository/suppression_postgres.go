package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// SuppressionRepository implements domain.SuppressionRepository on Postgres.
type SuppressionRepository struct {
	db *sql.DB
}

func NewSuppressionRepository(db *sql.DB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

const suppressionColumns = `id, app_id, email, reason, source_email_id, expires_at, created_at`

// Insert upserts on the (app-or-null, email) scope so repeated bounces for
// the same address refresh the rule instead of duplicating it.
func (r *SuppressionRepository) Insert(ctx context.Context, s *domain.Suppression) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Email = domain.NormalizeSuppressionEmail(s.Email)

	query := `
		INSERT INTO suppressions (id, app_id, email, reason, source_email_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (COALESCE(app_id, '00000000-0000-0000-0000-000000000000'::uuid), email)
		DO UPDATE SET reason = EXCLUDED.reason,
			source_email_id = EXCLUDED.source_email_id,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.AppID, s.Email, s.Reason, s.SourceEmailID, s.ExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert suppression: %w", err)
	}
	return nil
}

// FindActive returns the tenant rule when one exists, otherwise the global
// rule; nil when the address is clear.
func (r *SuppressionRepository) FindActive(ctx context.Context, appID, email string) (*domain.Suppression, error) {
	email = domain.NormalizeSuppressionEmail(email)
	query := fmt.Sprintf(`
		SELECT %s FROM suppressions
		WHERE email = $1 AND (app_id = $2 OR app_id IS NULL)
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY app_id NULLS LAST
		LIMIT 1`, suppressionColumns)

	s, err := scanSuppression(r.db.QueryRowContext(ctx, query, email, appID, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find suppression: %w", err)
	}
	return s, nil
}

func (r *SuppressionRepository) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.Suppression, *domain.Cursor, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	builder := psql.Select(suppressionColumns).
		From("suppressions").
		Where(sq.Eq{"app_id": appID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit) + 1)
	if cursor != nil {
		builder = builder.Where(sq.Expr("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build suppression list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	defer rows.Close()

	var suppressions []*domain.Suppression
	for rows.Next() {
		s, err := scanSuppression(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan suppression: %w", err)
		}
		suppressions = append(suppressions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating suppressions: %w", err)
	}

	var next *domain.Cursor
	if len(suppressions) > limit {
		suppressions = suppressions[:limit]
		last := suppressions[len(suppressions)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return suppressions, next, nil
}

func (r *SuppressionRepository) Delete(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete suppression: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "suppression", ID: id}
	}
	return nil
}

// DeleteExpired sweeps rules whose expiry has passed.
func (r *SuppressionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired suppressions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected, nil
}

func scanSuppression(row rowScanner) (*domain.Suppression, error) {
	var s domain.Suppression
	err := row.Scan(&s.ID, &s.AppID, &s.Email, &s.Reason, &s.SourceEmailID,
		&s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
