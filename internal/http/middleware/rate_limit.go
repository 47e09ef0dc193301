package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/response"
	"github.com/diagnosis/bus-reserve/internal/ratelimit"
	"github.com/diagnosis/bus-reserve/pkg/metrics"
)

// RateLimitConfig defines rate limiting parameters
type RateLimitConfig struct {
	KeyFunc  func(r *http.Request) []string // Function to generate rate limit keys
	SkipFunc func(r *http.Request) bool     // Function to skip rate limiting

	// Rejections of the same key are audited at most once per interval. Defaults to a minute.
	AuditInterval time.Duration
}

// RateLimiter limits inbound API requests with a sliding window per key.
type RateLimiter struct {
	limiter ratelimit.Limiter
	audit   AuditLogger
	config  RateLimitConfig
	now     func() time.Time

	mu      sync.Mutex
	audited map[string]time.Time
}

func NewRateLimiter(limiter ratelimit.Limiter, auditLogger AuditLogger, config RateLimitConfig) *RateLimiter {
	if config.KeyFunc == nil {
		config.KeyFunc = IPKeyFunc
	}
	if config.AuditInterval <= 0 {
		config.AuditInterval = time.Minute
	}
	return &RateLimiter{
		limiter: limiter,
		audit:   auditLogger,
		config:  config,
		now:     time.Now,
		audited: make(map[string]time.Time),
	}
}

// Middleware returns the rate limiting middleware
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.config.SkipFunc != nil && rl.config.SkipFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			for _, key := range rl.config.KeyFunc(r) {
				if !rl.limiter.Allow(r.Context(), key) {
					metrics.RateLimitedTotal.WithLabelValues("api").Inc()
					if rl.shouldAudit(key) {
						rl.audit.Log(r.Context(), domain.EventSecurityRateLimited, domain.SeverityMedium, map[string]any{
							"scope":  "api",
							"path":   r.URL.Path,
							"method": r.Method,
						})
					}
					response.RateLimit(w, "Too many requests. Try again later.")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc limits by client IP.
func IPKeyFunc(r *http.Request) []string {
	if ip := ClientIP(r); ip != "" {
		return []string{"ip:" + ip}
	}
	return nil
}

// shouldAudit reports whether a rejection for key should be written to the
// audit log. Every audit write persists the whole log, so a client hammering
// the API is recorded once per interval.
func (rl *RateLimiter) shouldAudit(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if last, ok := rl.audited[key]; ok && now.Sub(last) < rl.config.AuditInterval {
		return false
	}
	if len(rl.audited) >= 1024 {
		for k, last := range rl.audited {
			if now.Sub(last) >= rl.config.AuditInterval {
				delete(rl.audited, k)
			}
		}
	}
	rl.audited[key] = now
	return true
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are only
// honoured when the server mounts chi's RealIP middleware (TRUST_PROXY),
// which rewrites RemoteAddr before this runs.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
