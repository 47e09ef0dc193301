// Package reservation tracks the reservation status of each order and keeps
// an append-only history of reservation attempts.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

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

var ErrNotFound = errors.New("reservation not found")

const minPhoneLength = 10

type Backend interface {
	ReserveTicket(ctx context.Context, req busapi.ReserveRequest) (busapi.ReserveResult, error)
}

// Gate reports whether a phone has cleared validation and SMS verification.
type Gate interface {
	CanProceedToReservation(phone string) domain.CanProceedResult
}

type AuditLogger interface {
	Log(ctx context.Context, eventType domain.EventType, severity domain.Severity, details map[string]any, opts ...audit.LogOption) domain.AuditEvent
}

type Service struct {
	backend   Backend
	gate      Gate
	audit     AuditLogger
	publisher events.Publisher

	statusTTL   time.Duration
	maxAudits   int
	maxAuditAge time.Duration
	interval    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	statuses map[int64]*domain.ReservationStatus
	history  []domain.ReservationAudit // oldest first

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

func NewService(backend Backend, gate Gate, auditLogger AuditLogger, cfg config.CacheConfig, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		gate:        gate,
		audit:       auditLogger,
		publisher:   events.Noop{},
		statusTTL:   cfg.ReservationTTL,
		maxAudits:   cfg.ReservationAudits,
		maxAuditAge: cfg.ReservationMaxAge,
		interval:    cfg.CleanupInterval,
		now:         time.Now,
		statuses:    make(map[int64]*domain.ReservationStatus),
	}
	if s.maxAudits <= 0 {
		s.maxAudits = 1000
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// validateInput runs before any network call or history entry.
func validateInput(orderID int64, opts domain.ReserveOptions) *domain.ReserveError {
	if orderID <= 0 {
		return domain.NewError(domain.CodeNoOrder, "order id must be positive", nil)
	}
	if len(strings.TrimSpace(opts.Phone)) < minPhoneLength {
		return domain.NewError(domain.CodeNoPassengerData, "phone must be at least 10 characters", nil)
	}
	if email := strings.TrimSpace(opts.Email); email != "" && !strings.Contains(email, "@") {
		return domain.NewError(domain.CodeNoPassengerData, "email is invalid", nil)
	}
	if phone2 := strings.TrimSpace(opts.Phone2); phone2 != "" && len(phone2) < minPhoneLength {
		return domain.NewError(domain.CodeNoPassengerData, "secondary phone must be at least 10 characters", nil)
	}
	return nil
}

// CreateReservation reserves every passenger of the order as pay-on-board.
// Concurrent calls for the same order share one backend call.
func (s *Service) CreateReservation(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse {
	if re := validateInput(orderID, opts); re != nil {
		logger.WarnContext(ctx, "Reservation input rejected", "order_id", orderID, "code", re.Code, "reason", re.Raw)
		return failure(re)
	}
	return s.shared(ctx, orderID, opts)
}

// RetryAfterSMSValidation re-issues the reservation of an order that stopped
// at sms_required, once the phone's SMS workflow is verified.
func (s *Service) RetryAfterSMSValidation(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse {
	if re := validateInput(orderID, opts); re != nil {
		return failure(re)
	}

	st, err := s.GetStatus(orderID)
	if err != nil {
		return failure(domain.NewError(domain.CodeNoOrder, err.Error(), err))
	}
	if st.Status != domain.ReservationSMSRequired {
		return failure(domain.NewError(domain.CodeUnknownError,
			fmt.Sprintf("reservation is %s, not awaiting SMS validation", st.Status), nil))
	}

	if s.gate != nil {
		decision := s.gate.CanProceedToReservation(opts.Phone)
		if !decision.CanProceed {
			code := domain.CodeSMSValidationRequired
			if decision.Reason == domain.ReasonMaxAttempts {
				code = domain.CodeSMSAttemptsExceeded
			}
			return failure(domain.NewError(code, decision.Reason, nil))
		}
	}

	s.appendHistory(orderID, domain.ActionSMSValidated, map[string]any{"phone": maskedPhone(opts.Phone)})
	return s.shared(ctx, orderID, opts)
}

func (s *Service) shared(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse {
	key := "reserve:" + strconv.FormatInt(orderID, 10)
	v, _, shared := s.inflight.Do(key, func() (any, error) {
		return s.reserve(context.WithoutCancel(ctx), orderID, opts), nil
	})
	if shared {
		logger.DebugContext(ctx, "Joined in-flight reservation", "order_id", orderID)
	}
	return v.(domain.ReserveTicketResponse)
}

func (s *Service) reserve(ctx context.Context, orderID int64, opts domain.ReserveOptions) domain.ReserveTicketResponse {
	s.transition(orderID, func(st *domain.ReservationStatus) {
		st.Status = domain.ReservationReserving
		st.LastError = ""
		st.LastErrorCode = ""
	})
	s.appendHistory(orderID, domain.ActionReserveAttempt, map[string]any{
		"phone":     maskedPhone(opts.Phone),
		"has_email": opts.Email != "",
	})

	res, err := s.backend.ReserveTicket(ctx, busapi.ReserveRequest{
		OrderID:  orderID,
		Phone:    opts.Phone,
		Phone2:   opts.Phone2,
		Email:    opts.Email,
		Info:     opts.Info,
		Language: opts.Language,
	})
	if err != nil {
		return s.fail(ctx, orderID, opts, asReserveError(err))
	}
	return s.succeed(ctx, orderID, res)
}

func (s *Service) succeed(ctx context.Context, orderID int64, res busapi.ReserveResult) domain.ReserveTicketResponse {
	now := s.now()
	expiresAt := domain.EarliestDeadline(res.Trips)
	st := s.transition(orderID, func(st *domain.ReservationStatus) {
		st.Status = domain.ReservationReserved
		st.PassengersTotal = res.TotalPassengers
		st.PassengersReserved = res.ReservedPassengers
		st.ReservedAt = &now
		st.ExpiresAt = expiresAt
	})
	s.appendHistory(orderID, domain.ActionReserveSuccess, map[string]any{
		"attempts":            res.Attempts,
		"passengers_total":    res.TotalPassengers,
		"passengers_reserved": res.ReservedPassengers,
		"all_reserved":        res.AllReserved,
	})

	metrics.ReservationsTotal.WithLabelValues(string(domain.ReservationReserved)).Inc()
	logger.InfoContext(ctx, "Reservation completed",
		"order_id", orderID,
		"passengers_total", res.TotalPassengers,
		"passengers_reserved", res.ReservedPassengers,
		"attempts", res.Attempts,
	)
	s.audit.Log(ctx, domain.EventRouteReserved, domain.SeverityInfo, map[string]any{
		"order_id":            orderID,
		"passengers_total":    res.TotalPassengers,
		"passengers_reserved": res.ReservedPassengers,
		"has_errors":          res.HasErrors,
	}, audit.WithResource("order", strconv.FormatInt(orderID, 10)), audit.WithAction("reserve"))
	s.publish(ctx, events.ReservationReserved, st)

	return domain.ReserveTicketResponse{
		Success: true,
		Data: &domain.ReservationData{
			OrderID:          orderID,
			Trips:            res.Trips,
			ReservationStats: res.ReservationStats,
			ReservedAt:       st.ReservedAt,
			ExpiresAt:        st.ExpiresAt,
		},
	}
}

func (s *Service) fail(ctx context.Context, orderID int64, opts domain.ReserveOptions, re *domain.ReserveError) domain.ReserveTicketResponse {
	state, action := domain.ReservationFailed, domain.ActionReserveFailure
	eventType, severity, subject := domain.EventRouteReservationFailed, domain.SeverityMedium, events.ReservationFailed
	switch {
	case re.SMSRequired:
		state, action = domain.ReservationSMSRequired, domain.ActionSMSSent
		eventType, severity, subject = domain.EventRouteSMSRequired, domain.SeverityLow, events.ReservationSMSRequired
	case re.Code == domain.CodeRateLimitExceeded:
		eventType = domain.EventSecurityRateLimited
	}

	st := s.transition(orderID, func(st *domain.ReservationStatus) {
		st.Status = state
		st.LastError = re.Message
		st.LastErrorCode = re.Code
	})
	s.appendHistory(orderID, action, map[string]any{
		"error_code": string(re.Code),
		"error":      re.Raw,
		"phone":      maskedPhone(opts.Phone),
	})

	metrics.ReservationsTotal.WithLabelValues(string(state)).Inc()
	logger.WarnContext(ctx, "Reservation did not complete",
		"order_id", orderID,
		"status", state,
		"code", re.Code,
	)
	s.audit.Log(ctx, eventType, severity, map[string]any{
		"order_id":   orderID,
		"error_code": string(re.Code),
		"error":      re.Raw,
	}, audit.WithResource("order", strconv.FormatInt(orderID, 10)), audit.WithAction("reserve"))
	s.publish(ctx, subject, st)

	return failure(re)
}

// transition applies fn to the order's status, creating it when missing, and
// returns a copy of the result.
func (s *Service) transition(orderID int64, fn func(st *domain.ReservationStatus)) domain.ReservationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.statuses[orderID]
	if !ok {
		st = &domain.ReservationStatus{
			OrderID:   orderID,
			Status:    domain.ReservationCreated,
			CreatedAt: now,
		}
		s.statuses[orderID] = st
	}
	fn(st)
	st.UpdatedAt = now
	return *st
}

func (s *Service) appendHistory(orderID int64, action domain.AuditAction, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, domain.ReservationAudit{
		OrderID:   orderID,
		Action:    action,
		Timestamp: s.now(),
		Details:   details,
	})
	if over := len(s.history) - s.maxAudits; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

func (s *Service) publish(ctx context.Context, subject string, st domain.ReservationStatus) {
	ev := events.ReservationEvent{
		OrderID:            st.OrderID,
		Status:             string(st.Status),
		ErrorCode:          string(st.LastErrorCode),
		PassengersTotal:    st.PassengersTotal,
		PassengersReserved: st.PassengersReserved,
		ExpiresAt:          st.ExpiresAt,
		OccurredAt:         st.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, subject, ev); err != nil {
		logger.WarnContext(ctx, "Failed to publish reservation event", "subject", subject, "error", err)
	}
}

// GetStatus returns a copy of the order's status. Expired entries are evicted.
func (s *Service) GetStatus(orderID int64) (*domain.ReservationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(st, s.now()) {
		delete(s.statuses, orderID)
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// GetAudit returns the order's history, oldest first.
func (s *Service) GetAudit(orderID int64) []domain.ReservationAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReservationAudit, 0)
	for _, a := range s.history {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out
}

// Counts returns the number of tracked orders per status.
func (s *Service) Counts() map[domain.ReservationState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ReservationState]int)
	for _, st := range s.statuses {
		out[st.Status]++
	}
	return out
}

func (s *Service) expired(st *domain.ReservationStatus, now time.Time) bool {
	return s.statusTTL > 0 && st.Status != domain.ReservationReserving && now.Sub(st.UpdatedAt) >= s.statusTTL
}

// Cleanup evicts expired statuses and history entries older than the maximum
// age. It returns the number of statuses and history entries removed.
func (s *Service) Cleanup() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	statuses := 0
	for id, st := range s.statuses {
		if s.expired(st, now) {
			delete(s.statuses, id)
			statuses++
		}
	}

	entries := 0
	if s.maxAuditAge > 0 {
		cutoff := now.Add(-s.maxAuditAge)
		kept := s.history[:0:0]
		for _, a := range s.history {
			if a.Timestamp.Before(cutoff) {
				entries++
				continue
			}
			kept = append(kept, a)
		}
		s.history = kept
	}
	return statuses, entries
}

// Run evicts expired state on the cleanup interval until ctx is cancelled.
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
			if st, h := s.Cleanup(); st+h > 0 {
				logger.DebugContext(ctx, "Evicted reservation state", "statuses", st, "history", h)
			}
		}
	}
}

func failure(re *domain.ReserveError) domain.ReserveTicketResponse {
	return domain.ReserveTicketResponse{Success: false, Error: re.Info()}
}

func asReserveError(err error) *domain.ReserveError {
	var re *domain.ReserveError
	if errors.As(err, &re) {
		return re
	}
	return domain.NewError(domain.CodeUnknownError, err.Error(), err)
}

func maskedPhone(phone string) string {
	return audit.MaskPhone(utils.NormalizePhone(phone))
}
