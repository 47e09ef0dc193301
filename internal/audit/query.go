package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	EventTypes   []domain.EventType
	Category     string
	MinSeverity  domain.Severity
	Severities   []domain.Severity
	UserID       string
	ResourceType string
	ResourceID   string
	SessionID    string
	From         time.Time
	To           time.Time
	Limit        int
}

func (f Filter) match(ev *domain.AuditEvent) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, ev.EventType) {
		return false
	}
	if f.Category != "" && ev.EventType.Category() != f.Category {
		return false
	}
	if f.MinSeverity != "" && !ev.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, ev.Severity) {
		return false
	}
	if f.UserID != "" && (ev.Actor == nil || ev.Actor.UserID != f.UserID) {
		return false
	}
	if f.ResourceType != "" && ev.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
		return false
	}
	if f.SessionID != "" && ev.Network.SessionID != f.SessionID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// GetEvents returns matching events, newest first.
func (l *Logger) GetEvents(f Filter) []domain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.AuditEvent, 0)
	for i := len(l.events) - 1; i >= 0; i-- {
		if !f.match(&l.events[i]) {
			continue
		}
		out = append(out, l.events[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

type Summary struct {
	Total      int                      `json:"total"`
	BySeverity map[domain.Severity]int  `json:"by_severity"`
	ByType     map[domain.EventType]int `json:"by_type"`
	ByCategory map[string]int           `json:"by_category"`
	Last24h    int                      `json:"last_24h"`
	Critical   int                      `json:"critical"`
	Oldest     *time.Time               `json:"oldest,omitempty"`
	Newest     *time.Time               `json:"newest,omitempty"`
}

// Summary aggregates the events matching f.
func (l *Logger) Summary(f Filter) Summary {
	f.Limit = 0
	events := l.GetEvents(f)
	since := l.now().Add(-24 * time.Hour)

	s := Summary{
		Total:      len(events),
		BySeverity: make(map[domain.Severity]int),
		ByType:     make(map[domain.EventType]int),
		ByCategory: make(map[string]int),
	}
	for i := range events {
		ev := &events[i]
		s.BySeverity[ev.Severity]++
		s.ByType[ev.EventType]++
		s.ByCategory[ev.EventType.Category()]++
		if ev.Timestamp.After(since) {
			s.Last24h++
		}
		if ev.Severity == domain.SeverityCritical {
			s.Critical++
		}
	}
	if len(events) > 0 {
		newest := events[0].Timestamp
		oldest := events[len(events)-1].Timestamp
		s.Newest, s.Oldest = &newest, &oldest
	}
	return s
}

var csvHeader = []string{
	"id", "timestamp", "event_type", "severity", "user_id", "user_email",
	"ip_address", "user_agent", "session_id", "resource_type", "resource_id",
	"action", "details", "request_id", "correlation_id",
}

// ExportCSV writes matching events as CSV and records the export.
func (l *Logger) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	events := l.GetEvents(f)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range events {
		ev := &events[i]
		var userID, email string
		if ev.Actor != nil {
			userID, email = ev.Actor.UserID, ev.Actor.Email
		}
		details := ""
		if len(ev.Details) > 0 {
			b, err := json.Marshal(ev.Details)
			if err != nil {
				return fmt.Errorf("encode details: %w", err)
			}
			details = string(b)
		}
		record := []string{
			ev.ID, ev.Timestamp.Format(time.RFC3339), string(ev.EventType), string(ev.Severity),
			userID, email, ev.Network.IPAddress, ev.Network.UserAgent, ev.Network.SessionID,
			ev.ResourceType, ev.ResourceID, ev.Action, details,
			ev.Metadata.RequestID, ev.Metadata.CorrelationID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	l.logExport(ctx, "csv", len(events))
	return nil
}

// ExportJSON writes matching events as an indented JSON array and records the export.
func (l *Logger) ExportJSON(ctx context.Context, w io.Writer, f Filter) error {
	events := l.GetEvents(f)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	l.logExport(ctx, "json", len(events))
	return nil
}

func (l *Logger) logExport(ctx context.Context, format string, n int) {
	l.Log(ctx, domain.EventDataExported, domain.SeverityMedium,
		map[string]any{"format": strings.ToLower(format), "events": n},
		WithResource("audit_log", ""), WithAction("export"))
}
