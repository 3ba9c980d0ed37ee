package domain

import (
	"context"
	"time"
)

// API key scopes gate operations a key may perform.
const (
	ScopeSendEmail   = "emails:send"
	ScopeReadEmail   = "emails:read"
	ScopeManageQueue = "queues:manage"
	ScopeManageApp   = "apps:manage"
)

// APIKey authenticates a client application for one tenant. The token itself
// is never stored; KeyHash is its SHA-256 digest.
type APIKey struct {
	ID            string     `json:"id"`
	AppID         string     `json:"app_id"`
	Name          string     `json:"name"`
	KeyHash       string     `json:"-"`
	Scopes        []string   `json:"scopes"`
	IPAllowlist   []string   `json:"ip_allowlist,omitempty"`
	RateLimit     *int       `json:"rate_limit,omitempty"` // requests/minute override
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the key has passed its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// APIKeyRepository is the persistence port for API keys.
type APIKeyRepository interface {
	GetByHash(ctx context.Context, keyHash string) (*APIKey, error)
	Create(ctx context.Context, key *APIKey) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, appID, id string) error
}
