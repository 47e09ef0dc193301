package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/http/response"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type AuditStore interface {
	GetEvents(f audit.Filter) []domain.AuditEvent
	Summary(f audit.Filter) audit.Summary
	ExportCSV(ctx context.Context, w io.Writer, f audit.Filter) error
	ExportJSON(ctx context.Context, w io.Writer, f audit.Filter) error
	Clear(ctx context.Context) int
}

type AuditHandler struct{ Store AuditStore }

func NewAuditHandler(store AuditStore) *AuditHandler {
	return &AuditHandler{Store: store}
}

// Routes must be mounted behind JWT and admin role middleware.
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.list)
	r.Delete("/events", h.clear)
	r.Get("/summary", h.summary)
	r.Get("/export", h.export)
	return r
}

// ParseFilter reads the audit filter from query parameters.
func ParseFilter(q map[string][]string) (audit.Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	var f audit.Filter
	if raw := get("type"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			t, ok := domain.ParseEventType(strings.TrimSpace(s))
			if !ok {
				return f, fmt.Errorf("invalid event type %q", s)
			}
			f.EventTypes = append(f.EventTypes, t)
		}
	}
	if raw := get("severity"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			sev, ok := domain.ParseSeverity(s)
			if !ok {
				return f, fmt.Errorf("invalid severity %q", s)
			}
			f.Severities = append(f.Severities, sev)
		}
	}
	if raw := get("min_severity"); raw != "" {
		sev, ok := domain.ParseSeverity(raw)
		if !ok {
			return f, fmt.Errorf("invalid min_severity %q", raw)
		}
		f.MinSeverity = sev
	}
	f.Category = get("category")
	f.UserID = get("user_id")
	f.ResourceType = get("resource_type")
	f.ResourceID = get("resource_id")
	f.SessionID = get("session_id")
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = t
		}
	}
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

func (h *AuditHandler) filter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	f, err := ParseFilter(r.URL.Query())
	if err != nil {
		response.WriteErrorWithDetails(w, http.StatusBadRequest, "invalid filter", response.CodeInvalidInput, err.Error())
		return f, false
	}
	return f, true
}

func (h *AuditHandler) list(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, h.Store.GetEvents(f))
}

func (h *AuditHandler) summary(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, h.Store.Summary(f))
}

func (h *AuditHandler) export(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	stamp := time.Now().UTC().Format("20060102-150405")
	var err error
	switch format {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.json"`, stamp))
		err = h.Store.ExportJSON(r.Context(), w, f)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.csv"`, stamp))
		err = h.Store.ExportCSV(r.Context(), w, f)
	default:
		response.BadRequest(w, "format must be csv or json")
		return
	}
	if err != nil {
		// headers are already out; the body is truncated
		logger.ErrorContext(r.Context(), "Audit export failed", "format", format, "error", err)
	}
}

func (h *AuditHandler) clear(w http.ResponseWriter, r *http.Request) {
	n := h.Store.Clear(r.Context())
	response.WriteJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
