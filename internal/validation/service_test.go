package validation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/platform/busapi"
	"github.com/diagnosis/bus-reserve/internal/repo"
	"github.com/diagnosis/bus-reserve/pkg/config"
)

type mockBackend struct {
	calls  int32
	result busapi.ValidationResult
	err    error
	delay  time.Duration
}

func (m *mockBackend) CheckReserveValidation(ctx context.Context, req busapi.ValidationRequest) (busapi.ValidationResult, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.result, m.err
}

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

func newTestService(backend Backend) (*Service, *audit.Logger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	auditLogger := audit.NewLogger(config.AuditConfig{MaxEvents: 100, StorageKey: "events", SessionKey: "session"}, repo.NewMemoryStore())
	svc := NewService(backend, auditLogger, config.CacheConfig{
		ValidationTTL:  5 * time.Minute,
		SMSMaxAttempts: 3,
	}, WithClock(clock.Now))
	return svc, auditLogger, clock
}

func TestCheckReservationValidation_CachesWithinTTL(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true}}
	svc, _, clock := newTestService(backend)
	ctx := context.Background()
	opts := domain.ValidationOptions{Phone: "0070012345"}

	first := svc.CheckReservationValidation(ctx, opts)
	if !first.Success || first.Data.Cached {
		t.Fatalf("unexpected first response: %+v", first)
	}
	statusAfterFirst, _ := svc.GetStatus(opts.Phone)

	clock.Advance(time.Minute)
	second := svc.CheckReservationValidation(ctx, opts)
	if !second.Success || !second.Data.Cached {
		t.Fatalf("expected cached second response: %+v", second)
	}
	statusAfterSecond, _ := svc.GetStatus(opts.Phone)
	if !reflect.DeepEqual(statusAfterFirst, statusAfterSecond) {
		t.Fatalf("status changed within TTL: %+v vs %+v", statusAfterFirst, statusAfterSecond)
	}
	if second.Data.SessionID != first.Data.SessionID || !second.Data.CheckedAt.Equal(first.Data.CheckedAt) {
		t.Fatal("cached response must carry the original status")
	}
	if backend.calls != 1 {
		t.Fatalf("expected 1 backend call within TTL, got %d", backend.calls)
	}

	clock.Advance(5 * time.Minute)
	third := svc.CheckReservationValidation(ctx, opts)
	if !third.Success || third.Data.Cached {
		t.Fatalf("expected fresh response after TTL: %+v", third)
	}
	if backend.calls != 2 {
		t.Fatalf("expected a new backend call after TTL, got %d", backend.calls)
	}
}

func TestCheckReservationValidation_InvalidPhone(t *testing.T) {
	backend := &mockBackend{}
	svc, _, _ := newTestService(backend)

	resp := svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "12345"})
	if resp.Success || resp.Error.Code != domain.CodeNoPhone || resp.Error.RetrySuggested {
		t.Fatalf("expected NO_PHONE failure, got %+v", resp)
	}
	if backend.calls != 0 {
		t.Fatal("backend must not be called for an invalid phone")
	}
}

func TestCheckReservationValidation_FailureNotServedFromCache(t *testing.T) {
	backend := &mockBackend{err: domain.NewError(domain.CodeDealerNoActivation, "dealer_no_activ", nil)}
	svc, auditLogger, _ := newTestService(backend)
	ctx := context.Background()
	opts := domain.ValidationOptions{Phone: "0070012345"}

	for i := 0; i < 2; i++ {
		resp := svc.CheckReservationValidation(ctx, opts)
		if resp.Success || resp.Error.Code != domain.CodeDealerNoActivation {
			t.Fatalf("expected DEALER_NO_ACTIVATION, got %+v", resp)
		}
	}
	if backend.calls != 2 {
		t.Fatalf("failures must not be cached, got %d calls", backend.calls)
	}

	res := svc.CanProceedToReservation(opts.Phone)
	if res.CanProceed || res.Reason == "" {
		t.Fatalf("expected a blocking reason, got %+v", res)
	}
	if n := len(auditLogger.GetEvents(audit.Filter{EventTypes: []domain.EventType{domain.EventRouteValidationChecked}})); n != 2 {
		t.Fatalf("expected 2 audited checks, got %d", n)
	}
}

func TestCheckReservationValidation_UnexpectedErrorIsUnknown(t *testing.T) {
	backend := &mockBackend{err: errors.New("nil pointer somewhere")}
	svc, _, _ := newTestService(backend)

	resp := svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "0070012345"})
	if resp.Success || resp.Error.Code != domain.CodeUnknownError {
		t.Fatalf("expected UNKNOWN_ERROR, got %+v", resp)
	}
}

func TestCheckReservationValidation_ConcurrentCallsShareOneRequest(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true}, delay: 50 * time.Millisecond}
	svc, _, _ := newTestService(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "0070012345"})
			if !resp.Success {
				t.Errorf("unexpected failure: %+v", resp.Error)
			}
		}()
	}
	wg.Wait()

	if backend.calls != 1 {
		t.Fatalf("expected concurrent callers to share one call, got %d", backend.calls)
	}
}

func TestSMSWorkflow_RequiredUntilVerified(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true, RequiresSMS: true}}
	svc, _, _ := newTestService(backend)
	ctx := context.Background()
	phone := "0070012345"

	resp := svc.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: phone})
	if !resp.Success || resp.Data.SMS == nil || resp.Data.SMS.State != domain.SMSRequired {
		t.Fatalf("expected required workflow, got %+v", resp.Data)
	}

	res := svc.CanProceedToReservation(phone)
	if res.CanProceed || !res.RequiresSMS || res.SMSState != domain.SMSRequired {
		t.Fatalf("expected blocked by SMS, got %+v", res)
	}

	id := int64(77)
	wf, err := svc.UpdateSMSWorkflow(ctx, phone, domain.SMSCodeVerified, &id)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if wf.CodeVerifiedAt == nil || wf.ValidationID == nil || *wf.ValidationID != 77 {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	res = svc.CanProceedToReservation(phone)
	if !res.CanProceed {
		t.Fatalf("expected to proceed after verification, got %+v", res)
	}
}

func TestSMSWorkflow_AttemptsExhaust(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true, RequiresSMS: true}}
	svc, auditLogger, clock := newTestService(backend)
	ctx := context.Background()
	phone := "+420 777 123 456"

	svc.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: phone})

	last := 3
	for i := 0; i < 3; i++ {
		if _, err := svc.UpdateSMSWorkflow(ctx, phone, domain.SMSCodeSent, nil); err != nil {
			t.Fatalf("code_sent: %v", err)
		}
		wf, err := svc.UpdateSMSWorkflow(ctx, phone, domain.SMSCodeFailed, nil)
		if err != nil {
			t.Fatalf("code_failed: %v", err)
		}
		if wf.AttemptsRemaining > last || wf.AttemptsRemaining < 0 {
			t.Fatalf("attempts must decrease monotonically, got %d after %d", wf.AttemptsRemaining, last)
		}
		last = wf.AttemptsRemaining
	}
	if last != 0 {
		t.Fatalf("expected 0 attempts remaining, got %d", last)
	}

	_, err := svc.UpdateSMSWorkflow(ctx, phone, domain.SMSCodeSent, nil)
	var re *domain.ReserveError
	if !errors.As(err, &re) || re.Code != domain.CodeSMSAttemptsExceeded {
		t.Fatalf("expected SMS_ATTEMPTS_EXCEEDED, got %v", err)
	}

	if res := svc.CanProceedToReservation(phone); res.Reason != domain.ReasonMaxAttempts {
		t.Fatalf("expected max attempts reason, got %+v", res)
	}

	// a new validation after the TTL does not reset the block
	clock.Advance(10 * time.Minute)
	svc.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: phone})
	if res := svc.CanProceedToReservation(phone); res.CanProceed || res.Reason != domain.ReasonMaxAttempts {
		t.Fatalf("expected block to persist, got %+v", res)
	}

	if n := len(auditLogger.GetEvents(audit.Filter{EventTypes: []domain.EventType{domain.EventSecuritySMSAttemptsExceed}})); n != 1 {
		t.Fatalf("expected one critical audit event, got %d", n)
	}
}

func TestUpdateSMSWorkflow_Errors(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true, RequiresSMS: false}}
	svc, _, _ := newTestService(backend)
	ctx := context.Background()

	if _, err := svc.UpdateSMSWorkflow(ctx, "0070012345", domain.SMSCodeSent, nil); !errors.Is(err, ErrNoSMSWorkflow) {
		t.Fatalf("expected ErrNoSMSWorkflow, got %v", err)
	}

	svc.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: "0070012345"})
	if _, err := svc.UpdateSMSWorkflow(ctx, "0070012345", domain.SMSCodeSent, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("not_required is terminal, got %v", err)
	}
	if _, err := svc.UpdateSMSWorkflow(ctx, "0070012345", "bogus", nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if res := svc.CanProceedToReservation("0070012345"); !res.CanProceed || res.RequiresSMS {
		t.Fatalf("expected to proceed without SMS, got %+v", res)
	}
}

func TestCanProceed_Reasons(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: false}}
	svc, _, clock := newTestService(backend)

	if res := svc.CanProceedToReservation("0070012345"); res.Reason != domain.ReasonNoValidation {
		t.Fatalf("expected no validation reason, got %+v", res)
	}

	svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "0070012345"})
	if res := svc.CanProceedToReservation("0070012345"); res.Reason != domain.ReasonNotEligible {
		t.Fatalf("expected not eligible reason, got %+v", res)
	}

	clock.Advance(6 * time.Minute)
	if res := svc.CanProceedToReservation("0070012345"); res.Reason != domain.ReasonNoValidation {
		t.Fatalf("expired status must count as missing, got %+v", res)
	}
}

func TestCleanup(t *testing.T) {
	backend := &mockBackend{result: busapi.ValidationResult{CanReserve: true, RequiresSMS: true}}
	svc, _, clock := newTestService(backend)

	svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "0070012345"})
	svc.CheckReservationValidation(context.Background(), domain.ValidationOptions{Phone: "0070099999"})
	clock.Advance(6 * time.Minute)

	if removed := svc.Cleanup(); removed != 2 {
		t.Fatalf("expected 2 expired statuses, got %d", removed)
	}
	if _, ok := svc.GetWorkflow("0070012345"); ok {
		t.Fatal("workflow of an expired phone should be evicted")
	}
}
