// Package validation caches reserve-validation results per phone and drives
// the SMS verification workflow that gates pay-on-board reservations.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/diagnosis/bus-reserve/internal/audit"
	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/platform/busapi"
	"github.com/diagnosis/bus-reserve/internal/utils"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/events"
	"github.com/diagnosis/bus-reserve/pkg/logger"
	"github.com/diagnosis/bus-reserve/pkg/metrics"
)

var (
	ErrNoSMSWorkflow     = errors.New("no SMS workflow for phone")
	ErrInvalidTransition = errors.New("invalid SMS workflow transition")
	ErrInvalidState      = errors.New("unknown SMS workflow state")
)

type Backend interface {
	CheckReserveValidation(ctx context.Context, req busapi.ValidationRequest) (busapi.ValidationResult, error)
}

type AuditLogger interface {
	Log(ctx context.Context, eventType domain.EventType, severity domain.Severity, details map[string]any, opts ...audit.LogOption) domain.AuditEvent
}

type Service struct {
	backend     Backend
	audit       AuditLogger
	publisher   events.Publisher
	ttl         time.Duration
	maxAttempts int
	interval    time.Duration
	now         func() time.Time

	mu        sync.Mutex
	statuses  map[string]*domain.ValidationStatus
	workflows map[string]*domain.SMSWorkflow

	inflight singleflight.Group
}

type Option func(*Service)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(backend Backend, auditLogger AuditLogger, cfg config.CacheConfig, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		audit:       auditLogger,
		publisher:   events.Noop{},
		ttl:         cfg.ValidationTTL,
		maxAttempts: cfg.SMSMaxAttempts,
		interval:    cfg.CleanupInterval,
		now:         time.Now,
		statuses:    make(map[string]*domain.ValidationStatus),
		workflows:   make(map[string]*domain.SMSWorkflow),
	}
	if s.ttl <= 0 {
		s.ttl = 5 * time.Minute
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func phoneKey(phone string) string {
	return utils.PhoneDigits(phone)
}

// CheckReservationValidation returns the cached status when it is fresh and
// successful, and otherwise asks the backend. Concurrent checks for the same
// phone share one backend call.
func (s *Service) CheckReservationValidation(ctx context.Context, opts domain.ValidationOptions) domain.ReserveValidationResponse {
	if !utils.IsValidPhone(opts.Phone) {
		return failure(domain.NewError(domain.CodeNoPhone, "", nil))
	}
	key := phoneKey(opts.Phone)

	if st, ok := s.cached(key); ok {
		metrics.ValidationCacheTotal.WithLabelValues("hit").Inc()
		logger.DebugContext(ctx, "Validation cache hit", "phone", audit.MaskPhone(key))
		return s.success(key, st, true)
	}
	metrics.ValidationCacheTotal.WithLabelValues("miss").Inc()

	v, err, shared := s.inflight.Do("validation:"+key, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), key, opts)
	})
	if shared {
		logger.DebugContext(ctx, "Joined in-flight validation", "phone", audit.MaskPhone(key))
	}
	if err != nil {
		return failure(asReserveError(err))
	}
	return s.success(key, v.(domain.ValidationStatus), false)
}

// cached returns a fresh, successful status. Expired entries are evicted here.
func (s *Service) cached(key string) (domain.ValidationStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[key]
	if !ok {
		return domain.ValidationStatus{}, false
	}
	if st.Expired(s.now(), s.ttl) {
		delete(s.statuses, key)
		return domain.ValidationStatus{}, false
	}
	if st.ErrorCode != "" {
		return domain.ValidationStatus{}, false
	}
	return *st, true
}

func (s *Service) refresh(ctx context.Context, key string, opts domain.ValidationOptions) (domain.ValidationStatus, error) {
	res, err := s.backend.CheckReserveValidation(ctx, busapi.ValidationRequest{
		Phone:    opts.Phone,
		Language: opts.Language,
	})

	st := domain.ValidationStatus{
		Phone:     key,
		CheckedAt: s.now(),
		SessionID: uuid.NewString(),
	}
	if err != nil {
		re := asReserveError(err)
		st.Error = re.Message
		st.ErrorCode = re.Code
		st.RequiresSMS = re.SMSRequired
		s.store(key, st)
		s.auditFailure(ctx, key, re)
		s.publish(ctx, st)
		return st, re
	}

	st.CanReserve = res.CanReserve
	st.RequiresSMS = res.RequiresSMS
	s.store(key, st)

	logger.InfoContext(ctx, "Reserve validation checked",
		"phone", audit.MaskPhone(key),
		"can_reserve", st.CanReserve,
		"requires_sms", st.RequiresSMS,
		"attempts", res.Attempts,
	)
	s.audit.Log(ctx, domain.EventRouteValidationChecked, domain.SeverityInfo, map[string]any{
		"phone":        key,
		"can_reserve":  st.CanReserve,
		"requires_sms": st.RequiresSMS,
	}, audit.WithResource("phone", audit.MaskPhone(key)), audit.WithAction("validate"))
	if st.CanReserve && st.RequiresSMS {
		s.audit.Log(ctx, domain.EventRouteSMSRequired, domain.SeverityLow, map[string]any{"phone": key},
			audit.WithResource("phone", audit.MaskPhone(key)))
	}
	s.publish(ctx, st)
	return st, nil
}

// store writes the status and, for eligible phones, resets the SMS workflow.
// A workflow that ran out of attempts stays blocked.
func (s *Service) store(key string, st domain.ValidationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[key] = &st
	if !st.CanReserve {
		return
	}
	if wf, ok := s.workflows[key]; ok && wf.Exhausted() {
		return
	}
	state := domain.SMSNotRequired
	if st.RequiresSMS {
		state = domain.SMSRequired
	}
	s.workflows[key] = &domain.SMSWorkflow{
		Phone:             key,
		State:             state,
		AttemptsRemaining: s.maxAttempts,
		MaxAttempts:       s.maxAttempts,
	}
}

func (s *Service) auditFailure(ctx context.Context, key string, re *domain.ReserveError) {
	logger.WarnContext(ctx, "Reserve validation failed",
		"phone", audit.MaskPhone(key),
		"code", re.Code,
	)
	eventType, severity := domain.EventRouteValidationChecked, domain.SeverityLow
	if re.Code == domain.CodeRateLimitExceeded {
		eventType, severity = domain.EventSecurityRateLimited, domain.SeverityMedium
	}
	s.audit.Log(ctx, eventType, severity, map[string]any{
		"phone":      key,
		"error_code": string(re.Code),
		"error":      re.Raw,
	}, audit.WithResource("phone", audit.MaskPhone(key)), audit.WithAction("validate"))
}

func (s *Service) publish(ctx context.Context, st domain.ValidationStatus) {
	ev := events.ValidationCheckedEvent{
		Phone:       audit.MaskPhone(st.Phone),
		CanReserve:  st.CanReserve,
		RequiresSMS: st.RequiresSMS,
		ErrorCode:   string(st.ErrorCode),
		CheckedAt:   st.CheckedAt,
	}
	if err := s.publisher.Publish(ctx, events.ValidationChecked, ev); err != nil {
		logger.WarnContext(ctx, "Failed to publish validation event", "error", err)
	}
}

func (s *Service) success(key string, st domain.ValidationStatus, cached bool) domain.ReserveValidationResponse {
	return domain.ReserveValidationResponse{
		Success: true,
		Data: &domain.ValidationData{
			CanReserve:  st.CanReserve,
			RequiresSMS: st.RequiresSMS,
			Phone:       st.Phone,
			CheckedAt:   st.CheckedAt,
			SessionID:   st.SessionID,
			Cached:      cached,
			SMS:         s.workflowCopy(key),
		},
	}
}

func failure(re *domain.ReserveError) domain.ReserveValidationResponse {
	return domain.ReserveValidationResponse{Success: false, Error: re.Info()}
}

// asReserveError keeps classified errors and turns anything else into UNKNOWN_ERROR.
func asReserveError(err error) *domain.ReserveError {
	var re *domain.ReserveError
	if errors.As(err, &re) {
		return re
	}
	return domain.NewError(domain.CodeUnknownError, err.Error(), err)
}

// CanProceedToReservation combines the cached status with the SMS workflow.
func (s *Service) CanProceedToReservation(phone string) domain.CanProceedResult {
	key := phoneKey(phone)
	s.mu.Lock()
	defer s.mu.Unlock()

	wf := s.workflows[key]
	if wf != nil && wf.Exhausted() {
		return domain.CanProceedResult{Reason: domain.ReasonMaxAttempts, RequiresSMS: true, SMSState: wf.State}
	}

	st, ok := s.statuses[key]
	if ok && st.Expired(s.now(), s.ttl) {
		delete(s.statuses, key)
		ok = false
	}
	switch {
	case !ok:
		return domain.CanProceedResult{Reason: domain.ReasonNoValidation}
	case st.ErrorCode != "":
		return domain.CanProceedResult{
			Reason:      fmt.Sprintf("%s: %s", domain.ReasonValidationFailed, st.Error),
			RequiresSMS: st.ErrorCode == domain.CodeSMSValidationRequired,
		}
	case !st.CanReserve:
		return domain.CanProceedResult{Reason: domain.ReasonNotEligible}
	}

	if wf == nil {
		return domain.CanProceedResult{CanProceed: true, SMSState: domain.SMSNotRequired}
	}
	requiresSMS := wf.State != domain.SMSNotRequired
	if !wf.Verified() {
		return domain.CanProceedResult{Reason: domain.ReasonSMSNotVerified, RequiresSMS: requiresSMS, SMSState: wf.State}
	}
	return domain.CanProceedResult{CanProceed: true, RequiresSMS: requiresSMS, SMSState: wf.State}
}

// UpdateSMSWorkflow applies a transition reported by the rendering layer.
// Only code_failed consumes an attempt.
func (s *Service) UpdateSMSWorkflow(ctx context.Context, phone string, state domain.SMSState, validationID *int64) (*domain.SMSWorkflow, error) {
	if _, ok := domain.ParseSMSState(string(state)); !ok {
		return nil, ErrInvalidState
	}
	key := phoneKey(phone)

	s.mu.Lock()
	wf, ok := s.workflows[key]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoSMSWorkflow
	}
	if wf.Exhausted() {
		s.mu.Unlock()
		return nil, domain.NewError(domain.CodeSMSAttemptsExceeded, "", nil)
	}
	from := wf.State
	if !domain.CanTransition(from, state) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}

	now := s.now()
	wf.State = state
	if validationID != nil {
		id := *validationID
		wf.ValidationID = &id
	}
	switch state {
	case domain.SMSCodeSent:
		wf.CodeRequestedAt = &now
	case domain.SMSCodeVerified:
		wf.CodeVerifiedAt = &now
	case domain.SMSCodeFailed:
		if wf.AttemptsRemaining > 0 {
			wf.AttemptsRemaining--
		}
	}
	out := copyWorkflow(wf)
	s.mu.Unlock()

	logger.InfoContext(ctx, "SMS workflow updated",
		"phone", audit.MaskPhone(key),
		"from", from,
		"to", state,
		"attempts_remaining", out.AttemptsRemaining,
	)
	s.audit.Log(ctx, domain.EventRouteSMSWorkflowUpdated, domain.SeverityInfo, map[string]any{
		"phone":              key,
		"from":               string(from),
		"to":                 string(state),
		"attempts_remaining": out.AttemptsRemaining,
	}, audit.WithResource("phone", audit.MaskPhone(key)), audit.WithAction("sms_update"))
	if out.Exhausted() {
		s.audit.Log(ctx, domain.EventSecuritySMSAttemptsExceed, domain.SeverityCritical, map[string]any{
			"phone":        key,
			"max_attempts": out.MaxAttempts,
		}, audit.WithResource("phone", audit.MaskPhone(key)))
	}
	return out, nil
}

// GetStatus returns the fresh status for phone. Expired entries are evicted.
func (s *Service) GetStatus(phone string) (*domain.ValidationStatus, bool) {
	key := phoneKey(phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[key]
	if !ok {
		return nil, false
	}
	if st.Expired(s.now(), s.ttl) {
		delete(s.statuses, key)
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (s *Service) GetWorkflow(phone string) (*domain.SMSWorkflow, bool) {
	wf := s.workflowCopy(phoneKey(phone))
	return wf, wf != nil
}

func (s *Service) workflowCopy(key string) *domain.SMSWorkflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[key]
	if !ok {
		return nil
	}
	return copyWorkflow(wf)
}

func copyWorkflow(wf *domain.SMSWorkflow) *domain.SMSWorkflow {
	cp := *wf
	if wf.ValidationID != nil {
		id := *wf.ValidationID
		cp.ValidationID = &id
	}
	if wf.CodeRequestedAt != nil {
		t := *wf.CodeRequestedAt
		cp.CodeRequestedAt = &t
	}
	if wf.CodeVerifiedAt != nil {
		t := *wf.CodeVerifiedAt
		cp.CodeVerifiedAt = &t
	}
	return &cp
}

// Cleanup evicts expired statuses and the workflows of phones that no longer
// have one. Exhausted workflows are kept so the block survives re-validation.
func (s *Service) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, st := range s.statuses {
		if st.Expired(now, s.ttl) {
			delete(s.statuses, key)
			removed++
		}
	}
	for key, wf := range s.workflows {
		if _, ok := s.statuses[key]; !ok && !wf.Exhausted() {
			delete(s.workflows, key)
		}
	}
	return removed
}

// Run evicts expired entries on the cleanup interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				logger.DebugContext(ctx, "Evicted expired validation statuses", "removed", n)
			}
		}
	}
}
