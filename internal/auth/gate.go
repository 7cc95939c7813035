package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"saas-crm/internal/observability"
)

type contextKey struct{ name string }

var identityKey = &contextKey{"identity"}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Gate authenticates bearer credentials on protected routes. Public routes
// are simply not wrapped.
type Gate struct {
	tokens  *TokenService
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewGate(tokens *TokenService, logger *observability.Logger, metrics *observability.Metrics) *Gate {
	return &Gate{tokens: tokens, logger: logger, metrics: metrics}
}

func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, http.StatusUnauthorized, "missing credential")
			return
		}

		tokenStr, ok := bearerToken(header)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_request"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		claims, err := g.tokens.Validate(r.Context(), tokenStr)
		if err != nil {
			if errors.Is(err, ErrUpstreamUnavailable) {
				g.logger.Error("token_validation_upstream_failed", map[string]any{"error": err.Error()})
				sentry.CaptureException(err)
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				return
			}
			g.metrics.ObserveTokenValidation(tokenFailureReason(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		g.metrics.ObserveTokenValidation("ok")

		id := Identity{PrincipalID: claims.Subject, Roles: claims.Roles}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole rejects authenticated requests whose identity lacks role. It
// must run inside Authenticate.
func (g *Gate) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing credential")
				return
			}
			if !id.HasRole(role) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission rejects authenticated requests whose roles do not grant
// perm. It must run inside Authenticate.
func (g *Gate) RequirePermission(evaluator *Evaluator, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing credential")
				return
			}
			granted, err := evaluator.HasPermission(r.Context(), id, perm)
			if err != nil {
				g.logger.Error("permission_lookup_failed", map[string]any{"permission": perm, "error": err.Error()})
				sentry.CaptureException(err)
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				return
			}
			if !granted {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func tokenFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenAlgorithm):
		return "algorithm"
	default:
		return "malformed"
	}
}
