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

// SMTPConfigRepository implements domain.SMTPConfigRepository on Postgres.
type SMTPConfigRepository struct {
	db *sql.DB
}

func NewSMTPConfigRepository(db *sql.DB) *SMTPConfigRepository {
	return &SMTPConfigRepository{db: db}
}

const smtpConfigColumns = `id, app_id, name, host, port, username, password_cipher,
	encryption, pool_size, timeout_ms, active, created_at, updated_at`

func (r *SMTPConfigRepository) Create(ctx context.Context, cfg *domain.SMTPConfig) error {
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	query, args, err := psql.Insert("smtp_configs").
		Columns("id", "app_id", "name", "host", "port", "username",
			"password_cipher", "encryption", "pool_size", "timeout_ms",
			"active", "created_at", "updated_at").
		Values(cfg.ID, cfg.AppID, cfg.Name, cfg.Host, cfg.Port, cfg.Username,
			cfg.PasswordCipher, cfg.Encryption, cfg.PoolSize, cfg.TimeoutMs,
			cfg.Active, cfg.CreatedAt, cfg.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build smtp config insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert smtp config: %w", err)
	}
	return nil
}

func (r *SMTPConfigRepository) Get(ctx context.Context, appID, id string) (*domain.SMTPConfig, error) {
	query := fmt.Sprintf(`SELECT %s FROM smtp_configs WHERE app_id = $1 AND id = $2`, smtpConfigColumns)
	cfg, err := scanSMTPConfig(r.db.QueryRowContext(ctx, query, appID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "smtp_config", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get smtp config: %w", err)
	}
	return cfg, nil
}

func (r *SMTPConfigRepository) List(ctx context.Context, appID string) ([]*domain.SMTPConfig, error) {
	query := fmt.Sprintf(`SELECT %s FROM smtp_configs WHERE app_id = $1 ORDER BY name ASC`, smtpConfigColumns)
	rows, err := r.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list smtp configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.SMTPConfig
	for rows.Next() {
		cfg, err := scanSMTPConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan smtp config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating smtp configs: %w", err)
	}
	return configs, nil
}

func (r *SMTPConfigRepository) Update(ctx context.Context, cfg *domain.SMTPConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	query, args, err := psql.Update("smtp_configs").
		Set("name", cfg.Name).
		Set("host", cfg.Host).
		Set("port", cfg.Port).
		Set("username", cfg.Username).
		Set("password_cipher", cfg.PasswordCipher).
		Set("encryption", cfg.Encryption).
		Set("pool_size", cfg.PoolSize).
		Set("timeout_ms", cfg.TimeoutMs).
		Set("active", cfg.Active).
		Set("updated_at", cfg.UpdatedAt).
		Where(sq.Eq{"app_id": cfg.AppID, "id": cfg.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build smtp config update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update smtp config: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "smtp_config", ID: cfg.ID}
	}
	return nil
}

func (r *SMTPConfigRepository) Delete(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM smtp_configs WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete smtp config: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "smtp_config", ID: id}
	}
	return nil
}

func scanSMTPConfig(row rowScanner) (*domain.SMTPConfig, error) {
	var cfg domain.SMTPConfig
	err := row.Scan(&cfg.ID, &cfg.AppID, &cfg.Name, &cfg.Host, &cfg.Port,
		&cfg.Username, &cfg.PasswordCipher, &cfg.Encryption, &cfg.PoolSize,
		&cfg.TimeoutMs, &cfg.Active, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
