package service

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
)

// AuthContext is the resolved identity of an authenticated request.
type AuthContext struct {
	App   *domain.App
	Key   *domain.APIKey
	Admin bool
}

// HasScope reports whether the request may perform a scoped operation.
// Admin requests bypass scope checks.
func (a *AuthContext) HasScope(scope string) bool {
	if a.Admin {
		return true
	}
	return a.Key != nil && a.Key.HasScope(scope)
}

// AuthService resolves bearer tokens to tenants. API key tokens are looked
// up by SHA-256 digest; the admin secret grants cross-tenant access.
type AuthService struct {
	apiKeyRepo  domain.APIKeyRepository
	appRepo     domain.AppRepository
	adminSecret string
	logger      logger.Logger
}

func NewAuthService(apiKeyRepo domain.APIKeyRepository, appRepo domain.AppRepository, adminSecret string, log logger.Logger) *AuthService {
	return &AuthService{
		apiKeyRepo:  apiKeyRepo,
		appRepo:     appRepo,
		adminSecret: adminSecret,
		logger:      log,
	}
}

// Authenticate resolves a bearer token and the caller's IP to an auth
// context. Every failure maps to unauthorized or forbidden; the response
// never reveals whether the token itself exists.
func (s *AuthService) Authenticate(ctx context.Context, token, remoteIP string) (*AuthContext, error) {
	if token == "" {
		return nil, &domain.UnauthorizedError{Message: "missing bearer token"}
	}

	if s.adminSecret != "" && token == s.adminSecret {
		return &AuthContext{Admin: true}, nil
	}

	key, err := s.apiKeyRepo.GetByHash(ctx, crypto.HashToken(token))
	if err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, &domain.UnauthorizedError{Message: "invalid api key"}
		}
		return nil, err
	}

	now := time.Now().UTC()
	if !key.Active {
		return nil, &domain.UnauthorizedError{Message: "api key revoked"}
	}
	if key.Expired(now) {
		return nil, &domain.UnauthorizedError{Message: "api key expired"}
	}
	if !ipAllowed(key.IPAllowlist, remoteIP) {
		return nil, &domain.ForbiddenError{Message: "request ip not in allowlist"}
	}

	app, err := s.appRepo.Get(ctx, key.AppID)
	if err != nil {
		return nil, err
	}
	if !app.Active {
		return nil, &domain.ForbiddenError{Message: "application is deactivated"}
	}

	if err := s.apiKeyRepo.TouchLastUsed(ctx, key.ID, now); err != nil {
		s.logger.WithField("key_id", key.ID).Warn("Failed to update api key last_used_at")
	}

	return &AuthContext{App: app, Key: key}, nil
}

// ResolveAdminApp loads the tenant an admin request targets.
func (s *AuthService) ResolveAdminApp(ctx context.Context, auth *AuthContext, appID string) error {
	if !auth.Admin {
		return &domain.ForbiddenError{Message: "admin credentials required"}
	}
	if appID == "" {
		return domain.NewFieldValidationError("X-App-Id", "app id header is required for admin requests")
	}
	app, err := s.appRepo.Get(ctx, appID)
	if err != nil {
		return err
	}
	auth.App = app
	return nil
}

// ipAllowed matches the remote IP against exact addresses and CIDR ranges.
// An empty allowlist admits every address.
func ipAllowed(allowlist []string, remoteIP string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}
