package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// APIKeyRepository implements domain.APIKeyRepository on Postgres.
type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, app_id, name, key_hash, scopes, ip_allowlist, rate_limit,
		        active, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = $1`, keyHash)

	var (
		key           domain.APIKey
		scopesJSON    []byte
		allowlistJSON []byte
	)
	err := row.Scan(&key.ID, &key.AppID, &key.Name, &key.KeyHash, &scopesJSON,
		&allowlistJSON, &key.RateLimit, &key.Active, &key.ExpiresAt,
		&key.LastUsedAt, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "api_key"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(scopesJSON) > 0 {
		if err := json.Unmarshal(scopesJSON, &key.Scopes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
		}
	}
	if len(allowlistJSON) > 0 {
		if err := json.Unmarshal(allowlistJSON, &key.IPAllowlist); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ip allowlist: %w", err)
		}
	}
	return &key, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key *domain.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	scopesJSON, _ := json.Marshal(orEmptyStrings(key.Scopes))
	allowlistJSON, _ := json.Marshal(orEmptyStrings(key.IPAllowlist))

	query, args, err := psql.Insert("api_keys").
		Columns("id", "app_id", "name", "key_hash", "scopes", "ip_allowlist",
			"rate_limit", "active", "expires_at", "created_at").
		Values(key.ID, key.AppID, key.Name, key.KeyHash, scopesJSON, allowlistJSON,
			key.RateLimit, key.Active, key.ExpiresAt, key.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build api key insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) Revoke(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "api_key", ID: id}
	}
	return nil
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
