package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
)

type authFixture struct {
	keys    *fakeAPIKeyRepo
	apps    *fakeAppRepo
	service *AuthService
	token   string
	key     *domain.APIKey
	app     *domain.App
}

func newAuthFixture(t *testing.T, adminSecret string) *authFixture {
	t.Helper()
	secret, err := crypto.GenerateSecret(32)
	require.NoError(t, err)
	token := "sl_" + secret
	app := &domain.App{ID: "app-1", Name: "acme", Active: true}
	key := &domain.APIKey{
		ID:      "key-1",
		AppID:   app.ID,
		KeyHash: crypto.HashToken(token),
		Scopes:  []string{domain.ScopeSendEmail},
		Active:  true,
	}
	f := &authFixture{
		keys:  &fakeAPIKeyRepo{keys: map[string]*domain.APIKey{key.KeyHash: key}},
		apps:  &fakeAppRepo{apps: map[string]*domain.App{app.ID: app}},
		token: token,
		key:   key,
		app:   app,
	}
	f.service = NewAuthService(f.keys, f.apps, adminSecret, logger.NewTestLogger(t))
	return f
}

func TestAuthenticateValidKey(t *testing.T) {
	f := newAuthFixture(t, "")

	auth, err := f.service.Authenticate(context.Background(), f.token, "203.0.113.9")
	require.NoError(t, err)

	assert.False(t, auth.Admin)
	assert.Equal(t, "app-1", auth.App.ID)
	assert.Equal(t, "key-1", auth.Key.ID)
	assert.Equal(t, []string{"key-1"}, f.keys.touched)
}

func TestAuthenticateMissingToken(t *testing.T) {
	f := newAuthFixture(t, "")

	_, err := f.service.Authenticate(context.Background(), "", "203.0.113.9")

	var unauthorized *domain.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestAuthenticateUnknownToken(t *testing.T) {
	f := newAuthFixture(t, "")

	_, err := f.service.Authenticate(context.Background(), "sl_nonsense", "203.0.113.9")

	var unauthorized *domain.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestAuthenticateAdminSecret(t *testing.T) {
	f := newAuthFixture(t, "super-secret-admin-token")

	auth, err := f.service.Authenticate(context.Background(), "super-secret-admin-token", "203.0.113.9")
	require.NoError(t, err)

	assert.True(t, auth.Admin)
	assert.Nil(t, auth.App)
	assert.True(t, auth.HasScope(domain.ScopeManageApp))
}

func TestAuthenticateEmptyAdminSecretNeverMatches(t *testing.T) {
	f := newAuthFixture(t, "")

	// With no admin secret configured an empty-ish token must not elevate.
	_, err := f.service.Authenticate(context.Background(), "anything", "203.0.113.9")

	var unauthorized *domain.UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestAuthenticateRevokedKey(t *testing.T) {
	f := newAuthFixture(t, "")
	f.key.Active = false

	_, err := f.service.Authenticate(context.Background(), f.token, "203.0.113.9")

	var unauthorized *domain.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Contains(t, unauthorized.Message, "revoked")
}

func TestAuthenticateExpiredKey(t *testing.T) {
	f := newAuthFixture(t, "")
	expired := time.Now().Add(-time.Hour)
	f.key.ExpiresAt = &expired

	_, err := f.service.Authenticate(context.Background(), f.token, "203.0.113.9")

	var unauthorized *domain.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Contains(t, unauthorized.Message, "expired")
}

func TestAuthenticateIPAllowlist(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		remoteIP  string
		allowed   bool
	}{
		{"empty allowlist admits all", nil, "198.51.100.7", true},
		{"exact match", []string{"198.51.100.7"}, "198.51.100.7", true},
		{"exact mismatch", []string{"198.51.100.7"}, "198.51.100.8", false},
		{"cidr match", []string{"10.0.0.0/8"}, "10.42.0.1", true},
		{"cidr mismatch", []string{"10.0.0.0/8"}, "192.168.1.1", false},
		{"mixed entries", []string{"203.0.113.1", "10.0.0.0/8"}, "10.1.2.3", true},
		{"unparseable remote ip", []string{"10.0.0.0/8"}, "not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, "")
			f.key.IPAllowlist = tt.allowlist

			_, err := f.service.Authenticate(context.Background(), f.token, tt.remoteIP)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				var forbidden *domain.ForbiddenError
				assert.ErrorAs(t, err, &forbidden)
			}
		})
	}
}

func TestAuthenticateInactiveApp(t *testing.T) {
	f := newAuthFixture(t, "")
	f.app.Active = false

	_, err := f.service.Authenticate(context.Background(), f.token, "203.0.113.9")

	var forbidden *domain.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestResolveAdminApp(t *testing.T) {
	f := newAuthFixture(t, "super-secret-admin-token")

	auth := &AuthContext{Admin: true}
	require.NoError(t, f.service.ResolveAdminApp(context.Background(), auth, "app-1"))
	assert.Equal(t, "app-1", auth.App.ID)
}

func TestResolveAdminAppRequiresAdmin(t *testing.T) {
	f := newAuthFixture(t, "")

	err := f.service.ResolveAdminApp(context.Background(), &AuthContext{App: f.app}, "app-1")

	var forbidden *domain.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)
}

func TestResolveAdminAppMissingHeader(t *testing.T) {
	f := newAuthFixture(t, "super-secret-admin-token")

	err := f.service.ResolveAdminApp(context.Background(), &AuthContext{Admin: true}, "")

	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestHasScope(t *testing.T) {
	key := &domain.APIKey{Scopes: []string{domain.ScopeSendEmail, domain.ScopeReadEmail}}

	tenant := &AuthContext{App: &domain.App{}, Key: key}
	assert.True(t, tenant.HasScope(domain.ScopeSendEmail))
	assert.False(t, tenant.HasScope(domain.ScopeManageQueue))

	admin := &AuthContext{Admin: true}
	assert.True(t, admin.HasScope(domain.ScopeManageQueue))

	keyless := &AuthContext{App: &domain.App{}}
	assert.False(t, keyless.HasScope(domain.ScopeSendEmail))
}
