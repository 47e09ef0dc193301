package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/response"
	"github.com/diagnosis/bus-reserve/pkg/auth"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type ctxKey string

const CtxClaims ctxKey = "claims"

// AuditLogger records rejected tokens and denied access.
type AuditLogger interface {
	Log(ctx context.Context, eventType domain.EventType, severity domain.Severity, details map[string]any, opts ...audit.LogOption) domain.AuditEvent
}

type Auth struct {
	secret string
	audit  AuditLogger
}

func NewAuth(secret string, auditLogger AuditLogger) *Auth {
	return &Auth{secret: secret, audit: auditLogger}
}

func bearer(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authz, "Bearer "), true
}

func withClaims(r *http.Request, claims *auth.Claims) *http.Request {
	ctx := context.WithValue(r.Context(), CtxClaims, claims)
	ctx = context.WithValue(ctx, logger.UserIDKey, claims.UserID())
	ctx = audit.WithActor(ctx, &domain.Actor{UserID: claims.UserID(), Email: claims.Email, Role: claims.Role})
	return r.WithContext(ctx)
}

// Optional attaches the actor when a valid token is present and never rejects.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw, ok := bearer(r); ok {
			if claims, err := auth.Parse(raw, a.secret); err == nil {
				r = withClaims(r, claims)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r)
		if !ok {
			response.Unauthorized(w, "invalid authorization header")
			return
		}
		claims, err := auth.Parse(raw, a.secret)
		if err != nil {
			a.audit.Log(r.Context(), domain.EventAuthTokenRejected, domain.SeverityMedium, map[string]any{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			response.WriteError(w, http.StatusUnauthorized, "invalid authorization token", response.CodeInvalidToken)
			return
		}
		next.ServeHTTP(w, withClaims(r, claims))
	})
}

// RequireRole must run after RequireJWT.
func (a *Auth) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := Claims(r)
			if claims == nil || claims.Role != role {
				a.audit.Log(r.Context(), domain.EventSecurityAccessDenied, domain.SeverityHigh, map[string]any{
					"path":          r.URL.Path,
					"method":        r.Method,
					"required_role": role,
				})
				response.Forbidden(w, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Claims(r *http.Request) *auth.Claims {
	v := r.Context().Value(CtxClaims)
	if v == nil {
		return nil
	}
	return v.(*auth.Claims)
}
