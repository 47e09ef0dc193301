package middleware

import (
	"net/http"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
)

// SessionHeader carries the browser session id generated by the rendering layer.
const SessionHeader = "X-Session-ID"

// NetworkContext attaches the caller's IP, user agent and session id for audit events.
func NetworkContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithNetwork(r.Context(), domain.NetworkContext{
			IPAddress: ClientIP(r),
			UserAgent: r.UserAgent(),
			SessionID: r.Header.Get(SessionHeader),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
