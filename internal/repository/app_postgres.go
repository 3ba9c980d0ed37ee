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

	"github.com/sendline/sendline/internal/domain"
)

// AppRepository implements domain.AppRepository on Postgres.
type AppRepository struct {
	db *sql.DB
}

func NewAppRepository(db *sql.DB) *AppRepository {
	return &AppRepository{db: db}
}

const appColumns = `id, account_id, name, active, sandbox, webhook_url,
	webhook_secret_cipher, daily_quota, monthly_quota, settings, created_at, updated_at`

func (r *AppRepository) Get(ctx context.Context, id string) (*domain.App, error) {
	query := fmt.Sprintf(`SELECT %s FROM apps WHERE id = $1`, appColumns)
	row := r.db.QueryRowContext(ctx, query, id)

	var (
		app          domain.App
		settingsJSON []byte
	)
	err := row.Scan(&app.ID, &app.AccountID, &app.Name, &app.Active, &app.Sandbox,
		&app.WebhookURL, &app.WebhookSecretCipher, &app.DailyQuota, &app.MonthlyQuota,
		&settingsJSON, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "app", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &app.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal app settings: %w", err)
		}
	}
	return &app, nil
}

func (r *AppRepository) Create(ctx context.Context, app *domain.App) error {
	now := time.Now().UTC()
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.CreatedAt = now
	app.UpdatedAt = now

	settingsJSON, _ := json.Marshal(orEmptyMap(app.Settings))

	query, args, err := psql.Insert("apps").
		Columns("id", "account_id", "name", "active", "sandbox", "webhook_url",
			"webhook_secret_cipher", "daily_quota", "monthly_quota", "settings",
			"created_at", "updated_at").
		Values(app.ID, app.AccountID, app.Name, app.Active, app.Sandbox, app.WebhookURL,
			app.WebhookSecretCipher, app.DailyQuota, app.MonthlyQuota, settingsJSON,
			app.CreatedAt, app.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build app insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert app: %w", err)
	}
	return nil
}

func (r *AppRepository) Update(ctx context.Context, app *domain.App) error {
	app.UpdatedAt = time.Now().UTC()
	settingsJSON, _ := json.Marshal(orEmptyMap(app.Settings))

	query, args, err := psql.Update("apps").
		Set("name", app.Name).
		Set("active", app.Active).
		Set("sandbox", app.Sandbox).
		Set("webhook_url", app.WebhookURL).
		Set("daily_quota", app.DailyQuota).
		Set("monthly_quota", app.MonthlyQuota).
		Set("settings", settingsJSON).
		Set("updated_at", app.UpdatedAt).
		Where(sq.Eq{"id": app.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build app update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update app: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "app", ID: app.ID}
	}
	return nil
}

// SetWebhookSecret overwrites the stored ciphertext; the previous secret is
// invalidated by the write.
func (r *AppRepository) SetWebhookSecret(ctx context.Context, id string, cipher string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE apps SET webhook_secret_cipher = $1, updated_at = $2 WHERE id = $3`,
		cipher, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set webhook secret: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "app", ID: id}
	}
	return nil
}

func (r *AppRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM apps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "app", ID: id}
	}
	return nil
}
