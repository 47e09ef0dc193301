package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/middleware"
	"github.com/diagnosis/bus-reserve/internal/ratelimit"
	"github.com/diagnosis/bus-reserve/pkg/auth"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (a *recordingAudit) Log(_ context.Context, t domain.EventType, _ domain.Severity, _ map[string]any, _ ...audit.LogOption) domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, t)
	return domain.AuditEvent{EventType: t}
}

func (a *recordingAudit) has(t domain.EventType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == t {
			return true
		}
	}
	return false
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequireJWTAndRole(t *testing.T) {
	rec := &recordingAudit{}
	a := middleware.NewAuth("secret", rec)

	var actor *domain.Actor
	h := a.RequireJWT(a.RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = audit.ActorFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	admin, _ := auth.NewAccessToken(7, "ops@example.com", auth.RoleAdmin, "", "secret", time.Minute)
	agent, _ := auth.NewAccessToken(8, "agent@example.com", auth.RoleAgent, "", "secret", time.Minute)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + agent, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/admin/audit/events", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	if actor == nil || actor.UserID != "7" || actor.Role != auth.RoleAdmin {
		t.Fatalf("expected admin actor in context, got %+v", actor)
	}
	if !rec.has(domain.EventAuthTokenRejected) || !rec.has(domain.EventSecurityAccessDenied) {
		t.Fatalf("expected rejection events, got %v", rec.events)
	}
}

func TestOptionalNeverRejects(t *testing.T) {
	a := middleware.NewAuth("secret", &recordingAudit{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()

	a.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if audit.ActorFrom(r.Context()) != nil {
			t.Error("no actor expected for an invalid token")
		}
		okHandler(w, r)
	})).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rec := &recordingAudit{}
	rl := middleware.NewRateLimiter(ratelimit.NewSlidingWindow(2, time.Minute), rec, middleware.RateLimitConfig{
		SkipFunc: func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	})
	h := rl.Middleware()(http.HandlerFunc(okHandler))

	do := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":40000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("/v1/reserve/orders/1", "203.0.113.5"); code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}
	if code := do("/v1/reserve/orders/1", "203.0.113.5"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := do("/v1/reserve/orders/1", "203.0.113.6"); code != http.StatusOK {
		t.Fatalf("other IP must not be limited, got %d", code)
	}
	if code := do("/healthz", "203.0.113.5"); code != http.StatusOK {
		t.Fatalf("skipped path must pass, got %d", code)
	}
	if !rec.has(domain.EventSecurityRateLimited) {
		t.Fatal("expected security.rate_limited audit event")
	}
}

func (a *recordingAudit) count(t domain.EventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == t {
			n++
		}
	}
	return n
}

func TestRateLimiterAuditsRepeatedRejectionsOnce(t *testing.T) {
	rec := &recordingAudit{}
	rl := middleware.NewRateLimiter(ratelimit.NewSlidingWindow(1, time.Minute), rec, middleware.RateLimitConfig{})
	h := rl.Middleware()(http.HandlerFunc(okHandler))

	rejected := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/reserve/orders/1", nil)
		req.RemoteAddr = "203.0.113.5:40000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if rejected != 4 {
		t.Fatalf("expected 4 rejections, got %d", rejected)
	}
	if n := rec.count(domain.EventSecurityRateLimited); n != 1 {
		t.Fatalf("expected one audit event per key and interval, got %d", n)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		headers    map[string]string
		want       string
	}{
		{"remote addr", false, "192.0.2.10:5555", nil, "192.0.2.10"},
		{"forwarded header ignored", false, "192.0.2.10:5555", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.10"},
		{"real ip header ignored", false, "192.0.2.10:5555", map[string]string{"X-Real-IP": "203.0.113.9"}, "192.0.2.10"},
		{"forwarded header trusted", true, "192.0.2.10:5555", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"real ip header trusted", true, "192.0.2.10:5555", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"no port", false, "192.0.2.10", nil, "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			var got string
			var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = middleware.ClientIP(r)
			})
			if tt.trustProxy {
				h = chimw.RealIP(h)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNetworkContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(middleware.SessionHeader, "sess-1")

	var got domain.NetworkContext
	middleware.NetworkContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = audit.NetworkFrom(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), req)

	want := domain.NetworkContext{IPAddress: "192.0.2.10", UserAgent: "test-agent", SessionID: "sess-1"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
