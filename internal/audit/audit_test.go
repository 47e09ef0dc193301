package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/repo"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testAuditConfig() config.AuditConfig {
	return config.AuditConfig{
		MaxEvents:  100,
		MaxAge:     30 * 24 * time.Hour,
		StorageKey: "audit_events",
		SessionKey: "audit_session",
		Source:     "bus-reserve",
		Version:    "test",
	}
}

func newTestLogger(t *testing.T, store repo.KVStore, cfg config.AuditConfig) (*Logger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLogger(cfg, store, WithClock(clock.Now))
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return l, clock
}

func TestSanitize(t *testing.T) {
	got := Sanitize(map[string]any{
		"password":      "hunter2",
		"accessToken":   "abc",
		"client_secret": "s",
		"apiKey":        "k",
		"email":         "jane.doe@example.com",
		"phone":         "+420 777 123 456",
		"contact":       "0070012345",
		"order_id":      1001,
		"note":          "hello",
		"nested": map[string]any{
			"api_key": "x",
			"phone2":  "0991234567",
		},
	})

	for _, k := range []string{"password", "accessToken", "client_secret", "apiKey"} {
		if _, ok := got[k]; ok {
			t.Errorf("%s must be stripped", k)
		}
	}
	if got["email"] != "j***@example.com" {
		t.Errorf("unexpected email mask %v", got["email"])
	}
	if got["phone"] != "+*** *** **3 456" {
		t.Errorf("unexpected phone mask %v", got["phone"])
	}
	if got["contact"] != "******2345" {
		t.Errorf("phone-like value must be masked, got %v", got["contact"])
	}
	if got["order_id"] != 1001 || got["note"] != "hello" {
		t.Errorf("unrelated fields must pass through: %v", got)
	}
	nested := got["nested"].(map[string]any)
	if _, ok := nested["api_key"]; ok || nested["phone2"] != "******4567" {
		t.Errorf("nested map not sanitized: %v", nested)
	}
}

func TestMaskHelpers(t *testing.T) {
	if MaskEmail("a@b.io") != "a***@b.io" {
		t.Fatalf("unexpected %q", MaskEmail("a@b.io"))
	}
	if got := MaskEmail("élise@example.com"); got != "é***@example.com" {
		t.Fatalf("multibyte first letter must stay whole, got %q", got)
	}
	if MaskEmail("not-an-email") != "***" {
		t.Fatalf("unexpected %q", MaskEmail("not-an-email"))
	}
	if MaskPhone("1234") != "1234" {
		t.Fatalf("short numbers keep their digits, got %q", MaskPhone("1234"))
	}
}

func TestLog_AttachesContext(t *testing.T) {
	l, _ := newTestLogger(t, repo.NewMemoryStore(), testAuditConfig())

	ctx := context.WithValue(context.Background(), logger.RequestIDKey, "req-1")
	ctx = WithActor(ctx, &domain.Actor{UserID: "42", Role: "admin"})
	ctx = WithNetwork(ctx, domain.NetworkContext{IPAddress: "10.0.0.1", UserAgent: "test"})

	ev := l.Log(ctx, domain.EventRouteReserved, domain.SeverityInfo,
		map[string]any{"phone": "0070012345"}, WithResource("order", "1001"), WithAction("reserve"))

	if ev.ID == "" || ev.Actor == nil || ev.Actor.UserID != "42" {
		t.Fatalf("actor or id missing: %+v", ev)
	}
	if ev.Network.IPAddress != "10.0.0.1" || ev.Network.SessionID != l.SessionID() {
		t.Fatalf("unexpected network context: %+v", ev.Network)
	}
	if ev.Metadata.RequestID != "req-1" || ev.Metadata.CorrelationID == "" || ev.Metadata.Source != "bus-reserve" {
		t.Fatalf("unexpected metadata: %+v", ev.Metadata)
	}
	if ev.Details["phone"] != "******2345" {
		t.Fatalf("details not sanitized: %v", ev.Details)
	}
	if ev.ResourceType != "order" || ev.ResourceID != "1001" || ev.Action != "reserve" {
		t.Fatalf("unexpected resource fields: %+v", ev)
	}
}

func TestLog_BoundedAndPersisted(t *testing.T) {
	store := repo.NewMemoryStore()
	cfg := testAuditConfig()
	cfg.MaxEvents = 3
	l, _ := newTestLogger(t, store, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Log(ctx, domain.EventRouteSearched, domain.SeverityInfo, map[string]any{"n": i})
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 retained events, got %d", l.Len())
	}
	newest := l.GetEvents(Filter{Limit: 1})
	if newest[0].Details["n"] != 4 {
		t.Fatalf("expected newest first, got %v", newest[0].Details)
	}

	reloaded, _ := newTestLogger(t, store, cfg)
	if reloaded.Len() != 3 {
		t.Fatalf("expected events to be reloaded, got %d", reloaded.Len())
	}
	if reloaded.SessionID() != l.SessionID() {
		t.Fatal("session id must be reused across loads")
	}
}

func TestLog_UnencodableDetailsDoNotBlockPersistence(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nan", math.NaN(), "NaN"},
		{"positive infinity", math.Inf(1), "+Inf"},
		{"negative infinity", math.Inf(-1), "-Inf"},
		{"func", func() {}, ""},
		{"channel", make(chan int), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repo.NewMemoryStore()
			cfg := testAuditConfig()
			l, _ := newTestLogger(t, store, cfg)
			ctx := context.Background()

			ev := l.Log(ctx, domain.EventSystemError, domain.SeverityHigh, map[string]any{"panic": tt.value})
			got, ok := ev.Details["panic"].(string)
			if !ok {
				t.Fatalf("expected value stringified, got %T", ev.Details["panic"])
			}
			if tt.want != "" && got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
			l.Log(ctx, domain.EventRouteReserved, domain.SeverityInfo, map[string]any{"order_id": 1001})

			raw, err := store.Get(ctx, cfg.StorageKey)
			if err != nil {
				t.Fatalf("snapshot not persisted: %v", err)
			}
			var events []domain.AuditEvent
			if err := json.Unmarshal(raw, &events); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("expected both events persisted, got %d", len(events))
			}
			found := false
			for _, e := range events {
				if e.EventType == domain.EventRouteReserved {
					found = true
				}
			}
			if !found {
				t.Fatal("later event missing from snapshot")
			}
		})
	}
}

type failingStore struct{ repo.MemoryStore }

func (*failingStore) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func TestLog_PersistenceFailureIsSwallowed(t *testing.T) {
	l := NewLogger(testAuditConfig(), &failingStore{})
	l.Load(context.Background())

	ev := l.Log(context.Background(), domain.EventSystemError, domain.SeverityHigh, nil)
	if ev.ID == "" || l.Len() != 1 {
		t.Fatal("event must still be kept in memory")
	}
}

func TestFilterSummaryAndPrune(t *testing.T) {
	l, clock := newTestLogger(t, repo.NewMemoryStore(), testAuditConfig())
	ctx := WithActor(context.Background(), &domain.Actor{UserID: "7"})

	l.Log(context.Background(), domain.EventRouteValidationChecked, domain.SeverityInfo, nil)
	clock.Advance(40 * 24 * time.Hour)
	l.Log(ctx, domain.EventRouteReserved, domain.SeverityInfo, nil, WithResource("order", "1"))
	l.Log(ctx, domain.EventSecurityRateLimited, domain.SeverityMedium, nil)
	l.Log(context.Background(), domain.EventSecuritySMSAttemptsExceed, domain.SeverityCritical, nil)

	if got := l.GetEvents(Filter{Category: "security"}); len(got) != 2 {
		t.Fatalf("expected 2 security events, got %d", len(got))
	}
	if got := l.GetEvents(Filter{MinSeverity: domain.SeverityMedium}); len(got) != 2 {
		t.Fatalf("expected 2 events >= medium, got %d", len(got))
	}
	if got := l.GetEvents(Filter{UserID: "7"}); len(got) != 2 {
		t.Fatalf("expected 2 events for user 7, got %d", len(got))
	}
	if got := l.GetEvents(Filter{ResourceType: "order", ResourceID: "1"}); len(got) != 1 {
		t.Fatalf("expected 1 order event, got %d", len(got))
	}

	s := l.Summary(Filter{})
	if s.Total != 4 || s.Critical != 1 || s.Last24h != 3 || s.ByCategory["route"] != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}

	if removed := l.Prune(context.Background()); removed != 1 {
		t.Fatalf("expected 1 pruned event, got %d", removed)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 events after prune, got %d", l.Len())
	}
}

func TestExportAndClear(t *testing.T) {
	l, _ := newTestLogger(t, repo.NewMemoryStore(), testAuditConfig())
	ctx := context.Background()

	l.Log(ctx, domain.EventRouteReserved, domain.SeverityInfo, map[string]any{"email": "bob@example.com"})
	l.Log(ctx, domain.EventRouteSMSRequired, domain.SeverityLow, nil)

	var buf bytes.Buffer
	if err := l.ExportCSV(ctx, &buf, Filter{Category: "route"}); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "id" {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if strings.Contains(buf.String(), "bob@example.com") {
		t.Fatal("export must only contain sanitized details")
	}

	buf.Reset()
	if err := l.ExportJSON(ctx, &buf, Filter{EventTypes: []domain.EventType{domain.EventRouteReserved}}); err != nil {
		t.Fatalf("export json: %v", err)
	}
	var exported []domain.AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &exported); err != nil || len(exported) != 1 {
		t.Fatalf("unexpected json export: %v %d", err, len(exported))
	}

	if got := l.GetEvents(Filter{EventTypes: []domain.EventType{domain.EventDataExported}}); len(got) != 2 {
		t.Fatalf("expected both exports to be audited, got %d", len(got))
	}

	if removed := l.Clear(ctx); removed != 4 {
		t.Fatalf("expected 4 events cleared, got %d", removed)
	}
	remaining := l.GetEvents(Filter{})
	if len(remaining) != 1 || remaining[0].EventType != domain.EventDataCleared {
		t.Fatalf("expected only the clear record to remain, got %+v", remaining)
	}
}

func TestSubscribe(t *testing.T) {
	l, _ := newTestLogger(t, repo.NewMemoryStore(), testAuditConfig())

	var got []domain.EventType
	unsubscribe := l.Subscribe(func(ev domain.AuditEvent) {
		got = append(got, ev.EventType)
	})
	l.Subscribe(func(domain.AuditEvent) { panic("listener bug") })

	l.Log(context.Background(), domain.EventSystemStartup, domain.SeverityInfo, nil)
	unsubscribe()
	l.Log(context.Background(), domain.EventSystemShutdown, domain.SeverityInfo, nil)

	if len(got) != 1 || got[0] != domain.EventSystemStartup {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeMailer struct {
	sent chan domain.AuditEvent
}

func (m *fakeMailer) Send(string, string, string, string, string) (string, error) { return "", nil }

func (m *fakeMailer) SendAuditAlert(_ string, ev domain.AuditEvent) error {
	m.sent <- ev
	return nil
}

func TestListeners(t *testing.T) {
	l, _ := newTestLogger(t, repo.NewMemoryStore(), testAuditConfig())
	pub := &fakePublisher{}
	m := &fakeMailer{sent: make(chan domain.AuditEvent, 4)}
	l.Subscribe(EventForwarder(pub))
	l.Subscribe(AlertListener(m, "ops@example.com", domain.SeverityCritical))

	l.Log(context.Background(), domain.EventRouteReserved, domain.SeverityInfo, nil)
	l.Log(context.Background(), domain.EventSecuritySMSAttemptsExceed, domain.SeverityCritical, nil)

	if len(pub.subjects) != 2 || pub.subjects[0] != "audit.route.reserved" {
		t.Fatalf("unexpected subjects: %v", pub.subjects)
	}

	select {
	case ev := <-m.sent:
		if ev.EventType != domain.EventSecuritySMSAttemptsExceed {
			t.Fatalf("unexpected alert for %s", ev.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected one alert to be sent")
	}
	select {
	case ev := <-m.sent:
		t.Fatalf("unexpected second alert %s", ev.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}
