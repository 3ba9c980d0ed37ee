package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/service"
)

type fakeAuthenticator struct {
	auth       *service.AuthContext
	err        error
	gotToken   string
	gotIP      string
	resolveErr error
	gotAppID   string
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token, remoteIP string) (*service.AuthContext, error) {
	f.gotToken = token
	f.gotIP = remoteIP
	if f.err != nil {
		return nil, f.err
	}
	return f.auth, nil
}

func (f *fakeAuthenticator) ResolveAdminApp(ctx context.Context, auth *service.AuthContext, appID string) error {
	f.gotAppID = appID
	if f.resolveErr != nil {
		return f.resolveErr
	}
	auth.App = &domain.App{ID: appID, Active: true}
	return nil
}

func testErrorWriter(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.ErrorCode(err) {
	case domain.CodeUnauthorized:
		status = http.StatusUnauthorized
	case domain.CodeForbidden:
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func echoAuth(t *testing.T, captured **service.AuthContext) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = AuthFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthPassesBearerToken(t *testing.T) {
	authn := &fakeAuthenticator{auth: &service.AuthContext{App: &domain.App{ID: "app-1"}}}
	m := NewAuthMiddleware(authn, testErrorWriter)

	var got *service.AuthContext
	req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
	req.Header.Set("Authorization", "Bearer sl_token123")
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()

	m.RequireAuth(echoAuth(t, &got)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sl_token123", authn.gotToken)
	assert.Equal(t, "203.0.113.9", authn.gotIP)
	require.NotNil(t, got)
	assert.Equal(t, "app-1", got.App.ID)
}

func TestRequireAuthForwardedFor(t *testing.T) {
	authn := &fakeAuthenticator{auth: &service.AuthContext{App: &domain.App{ID: "app-1"}}}
	m := NewAuthMiddleware(authn, testErrorWriter)

	var got *service.AuthContext
	req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
	req.Header.Set("Authorization", "Bearer sl_token123")
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	rec := httptest.NewRecorder()

	m.RequireAuth(echoAuth(t, &got)).ServeHTTP(rec, req)

	assert.Equal(t, "198.51.100.7", authn.gotIP)
}

func TestRequireAuthRejectsInvalidToken(t *testing.T) {
	authn := &fakeAuthenticator{err: &domain.UnauthorizedError{Message: "invalid api key"}}
	m := NewAuthMiddleware(authn, testErrorWriter)

	req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
	req.Header.Set("Authorization", "Bearer junk")
	rec := httptest.NewRecorder()

	m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthAdminResolvesTenant(t *testing.T) {
	authn := &fakeAuthenticator{auth: &service.AuthContext{Admin: true}}
	m := NewAuthMiddleware(authn, testErrorWriter)

	var got *service.AuthContext
	req := httptest.NewRequest(http.MethodGet, "/v1/emails", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	req.Header.Set("X-App-Id", "app-7")
	rec := httptest.NewRecorder()

	m.RequireAuth(echoAuth(t, &got)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app-7", authn.gotAppID)
	require.NotNil(t, got.App)
	assert.Equal(t, "app-7", got.App.ID)
}

func TestRequireAuthAdminWithoutTenantStillPasses(t *testing.T) {
	authn := &fakeAuthenticator{
		auth:       &service.AuthContext{Admin: true},
		resolveErr: domain.NewFieldValidationError("X-App-Id", "required"),
	}
	m := NewAuthMiddleware(authn, testErrorWriter)

	var got *service.AuthContext
	req := httptest.NewRequest(http.MethodGet, "/v1/apps", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec := httptest.NewRecorder()

	m.RequireAuth(echoAuth(t, &got)).ServeHTTP(rec, req)

	// App management routes need no tenant; auth.App stays nil.
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.Admin)
	assert.Nil(t, got.App)
}

func TestRequireScope(t *testing.T) {
	m := NewAuthMiddleware(&fakeAuthenticator{}, testErrorWriter)
	protected := m.RequireScope(domain.ScopeManageQueue)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	run := func(auth *service.AuthContext) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/queues", nil)
		if auth != nil {
			req = req.WithContext(WithAuthContext(req.Context(), auth))
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec
	}

	withScope := &service.AuthContext{
		App: &domain.App{ID: "app-1"},
		Key: &domain.APIKey{Scopes: []string{domain.ScopeManageQueue}},
	}
	assert.Equal(t, http.StatusOK, run(withScope).Code)

	withoutScope := &service.AuthContext{
		App: &domain.App{ID: "app-1"},
		Key: &domain.APIKey{Scopes: []string{domain.ScopeSendEmail}},
	}
	assert.Equal(t, http.StatusForbidden, run(withoutScope).Code)

	admin := &service.AuthContext{Admin: true, App: &domain.App{ID: "app-1"}}
	assert.Equal(t, http.StatusOK, run(admin).Code)

	assert.Equal(t, http.StatusUnauthorized, run(nil).Code)
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware(&fakeAuthenticator{}, testErrorWriter)
	protected := m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/apps", nil)
	req = req.WithContext(WithAuthContext(req.Context(), &service.AuthContext{Admin: true}))
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/apps", nil)
	req = req.WithContext(WithAuthContext(req.Context(), &service.AuthContext{App: &domain.App{ID: "app-1"}}))
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer sl_abc", "sl_abc"},
		{"case insensitive scheme", "bearer sl_abc", "sl_abc"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic dXNlcg==", ""},
		{"no token", "Bearer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, bearerToken(r))
		})
	}
}
