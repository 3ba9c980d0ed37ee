// Package middleware carries the authentication layer shared by every
// tenant-facing route.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/internal/service"
)

type contextKey string

const authContextKey contextKey = "auth"

// Authenticator is the slice of the auth service this middleware needs.
type Authenticator interface {
	Authenticate(ctx context.Context, token, remoteIP string) (*service.AuthContext, error)
	ResolveAdminApp(ctx context.Context, auth *service.AuthContext, appID string) error
}

// ErrorWriter renders a domain error; injected so the middleware shares the
// handler package's envelope.
type ErrorWriter func(w http.ResponseWriter, err error)

// AuthMiddleware resolves bearer tokens and stashes the auth context.
type AuthMiddleware struct {
	auth       Authenticator
	writeError ErrorWriter
}

func NewAuthMiddleware(auth Authenticator, writeError ErrorWriter) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, writeError: writeError}
}

// RequireAuth authenticates the request. Admin tokens additionally resolve
// the target tenant from the X-App-Id header.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		auth, err := m.auth.Authenticate(r.Context(), token, remoteIP(r))
		if err != nil {
			m.writeError(w, err)
			return
		}
		if auth.Admin {
			if err := m.auth.ResolveAdminApp(r.Context(), auth, r.Header.Get("X-App-Id")); err != nil {
				// Admin routes without a tenant (app management) pass through;
				// tenant routes fail later when they need auth.App.
				auth.App = nil
			}
		}
		ctx := context.WithValue(r.Context(), authContextKey, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route on an API key scope.
func (m *AuthMiddleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthFromContext(r.Context())
			if auth == nil {
				m.writeError(w, &domain.UnauthorizedError{Message: "missing bearer token"})
				return
			}
			if !auth.HasScope(scope) {
				m.writeError(w, &domain.ForbiddenError{Message: "api key lacks scope " + scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates a route on the admin secret.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthFromContext(r.Context())
		if auth == nil || !auth.Admin {
			m.writeError(w, &domain.ForbiddenError{Message: "admin credentials required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthFromContext returns the auth context set by RequireAuth.
func AuthFromContext(ctx context.Context) *service.AuthContext {
	auth, _ := ctx.Value(authContextKey).(*service.AuthContext)
	return auth
}

// WithAuthContext injects an auth context, for handler tests.
func WithAuthContext(ctx context.Context, auth *service.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// remoteIP prefers the first X-Forwarded-For hop, falling back to the
// connection address.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
