package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diagnosis/bus-reserve/pkg/logger"
)

func TestRequestAndCorrelationID(t *testing.T) {
	var reqID, corrID string
	h := RequestID(CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID = logger.RequestID(r.Context())
		corrID = logger.CorrelationID(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "flow-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if reqID == "" || w.Header().Get("X-Request-ID") != reqID {
		t.Fatalf("request id not propagated: %q / %q", reqID, w.Header().Get("X-Request-ID"))
	}
	if corrID != "flow-1" || w.Header().Get("X-Correlation-ID") != "flow-1" {
		t.Fatalf("expected incoming correlation id to be kept, got %q", corrID)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Health(Metrics(next))

	tests := []struct {
		path     string
		want     int
		contains string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/metrics", http.StatusOK, "go_goroutines"},
		{"/other", http.StatusTeapot, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			if tt.contains != "" && !strings.Contains(w.Body.String(), tt.contains) {
				t.Fatalf("expected body to contain %q", tt.contains)
			}
		})
	}
}
