// Package identity resolves the caller behind REST requests from its bearer token.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/textbook-companion/internal/auth"
)

const (
	RequestTagHeader     = "X-Companion-Client"
	DefaultRequestTag    = "default"
	bearerPrefix         = "Bearer "
	authenticateHeader   = "WWW-Authenticate"
	authenticateResponse = `Bearer realm="companion"`
)

type contextKey int

const (
	subjectKey contextKey = iota
	roleKey
	clientTagKey
)

var clientTagPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// Verifier validates a bare bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// SubjectFromContext extracts the verified token subject from the request context.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext extracts the verified token role from the request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// ClientTagFromContext returns the caller-supplied client tag used in logs.
func ClientTagFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientTagKey).(string); ok {
		return v
	}
	return DefaultRequestTag
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	if claims == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, subjectKey, claims.Subject)
	return context.WithValue(ctx, roleKey, claims.Role)
}

func sanitizeClientTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || !clientTagPattern.MatchString(tag) {
		return DefaultRequestTag
	}
	return tag
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// Middleware rejects requests without a valid bearer token and injects the
// verified claims into the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Verify(r.Context(), bearerToken(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(authenticateHeader, authenticateResponse)
				msg := `{"error":"invalid token"}`
				if errors.Is(err, auth.ErrMissingToken) {
					msg = `{"error":"missing token"}`
				}
				http.Error(w, msg, http.StatusUnauthorized)
				return
			}

			ctx := WithClaims(r.Context(), claims)
			ctx = context.WithValue(ctx, clientTagKey, sanitizeClientTag(r.Header.Get(RequestTagHeader)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
