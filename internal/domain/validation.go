package domain

import "time"

// ValidationStatus is the outcome of the most recent reserve validation for a phone.
type ValidationStatus struct {
	CanReserve  bool      `json:"can_reserve"`
	RequiresSMS bool      `json:"requires_sms"`
	Phone       string    `json:"phone"`
	CheckedAt   time.Time `json:"checked_at"`
	SessionID   string    `json:"session_id"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   ErrorCode `json:"error_code,omitempty"`
}

// Expired reports whether the status is older than ttl at now.
func (s *ValidationStatus) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CheckedAt) >= ttl
}

type SMSState string

const (
	SMSNotRequired  SMSState = "not_required"
	SMSRequired     SMSState = "required"
	SMSCodeSent     SMSState = "code_sent"
	SMSCodeVerified SMSState = "code_verified"
	SMSCodeFailed   SMSState = "code_failed"
)

func ParseSMSState(s string) (SMSState, bool) {
	switch SMSState(s) {
	case SMSNotRequired, SMSRequired, SMSCodeSent, SMSCodeVerified, SMSCodeFailed:
		return SMSState(s), true
	default:
		return "", false
	}
}

// smsTransitions lists the states reachable from each state.
var smsTransitions = map[SMSState][]SMSState{
	SMSNotRequired:  {},
	SMSRequired:     {SMSCodeSent, SMSCodeVerified, SMSCodeFailed},
	SMSCodeSent:     {SMSCodeSent, SMSCodeVerified, SMSCodeFailed},
	SMSCodeFailed:   {SMSCodeSent, SMSCodeVerified, SMSCodeFailed},
	SMSCodeVerified: {},
}

// CanTransition reports whether the SMS state machine allows from -> to.
func CanTransition(from, to SMSState) bool {
	for _, s := range smsTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SMSWorkflow tracks SMS verification for a phone that requires it.
type SMSWorkflow struct {
	Phone             string     `json:"phone"`
	State             SMSState   `json:"state"`
	ValidationID      *int64     `json:"validation_id,omitempty"`
	CodeRequestedAt   *time.Time `json:"code_requested_at,omitempty"`
	CodeVerifiedAt    *time.Time `json:"code_verified_at,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	MaxAttempts       int        `json:"max_attempts"`
}

// Exhausted reports whether the workflow is terminally blocked.
func (w *SMSWorkflow) Exhausted() bool {
	return w.State != SMSNotRequired && w.AttemptsRemaining <= 0
}

// Verified reports whether the phone may proceed as far as SMS is concerned.
func (w *SMSWorkflow) Verified() bool {
	return w.State == SMSNotRequired || w.State == SMSCodeVerified
}

// ValidationOptions is the input to a reserve validation check.
type ValidationOptions struct {
	Phone    string `json:"phone"`
	Language string `json:"lang,omitempty"`
}

// ValidationData is the payload of a successful validation check.
type ValidationData struct {
	CanReserve  bool         `json:"can_reserve"`
	RequiresSMS bool         `json:"requires_sms"`
	Phone       string       `json:"phone"`
	CheckedAt   time.Time    `json:"checked_at"`
	SessionID   string       `json:"session_id"`
	Cached      bool         `json:"cached"`
	SMS         *SMSWorkflow `json:"sms,omitempty"`
}

// ReserveValidationResponse is what the rendering layer receives for a validation check.
type ReserveValidationResponse struct {
	Success bool            `json:"success"`
	Data    *ValidationData `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// CanProceedResult is the decision combining validation status and SMS workflow.
type CanProceedResult struct {
	CanProceed  bool     `json:"can_proceed"`
	Reason      string   `json:"reason,omitempty"`
	RequiresSMS bool     `json:"requires_sms"`
	SMSState    SMSState `json:"sms_state,omitempty"`
}

// Reasons returned by CanProceedToReservation.
const (
	ReasonNoValidation     = "phone validation has not been performed"
	ReasonValidationFailed = "phone validation failed"
	ReasonNotEligible      = "phone is not eligible for pay-on-board reservation"
	ReasonSMSNotVerified   = "SMS verification required"
	ReasonMaxAttempts      = "maximum attempts exceeded"
)
