package domain

import "fmt"

// ErrorCode is the canonical code every backend or local failure is mapped to.
type ErrorCode string

const (
	CodeNetworkError          ErrorCode = "NETWORK_ERROR"
	CodeParseError            ErrorCode = "PARSE_ERROR"
	CodeUnknownError          ErrorCode = "UNKNOWN_ERROR"
	CodeRateLimitExceeded     ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeSMSValidationRequired ErrorCode = "SMS_VALIDATION_REQUIRED"
	CodeDealerNoActivation    ErrorCode = "DEALER_NO_ACTIVATION"
	CodeNoPhone               ErrorCode = "NO_PHONE"
	CodeNoOrder               ErrorCode = "NO_ORDER"
	CodeIntervalNotFound      ErrorCode = "INTERVAL_NO_FOUND"
	CodeNoPassengerData       ErrorCode = "NO_PASSENGER_DATA"
	CodePlaceNotFree          ErrorCode = "PLACE_NOT_FREE"
	CodeReservePendingExists  ErrorCode = "RESERVE_PENDING_EXISTS"
	CodeSMSAttemptsExceeded   ErrorCode = "SMS_ATTEMPTS_EXCEEDED"
)

var errorMessages = map[ErrorCode]string{
	CodeNetworkError:          "The ticketing service could not be reached. Please try again.",
	CodeParseError:            "The ticketing service returned an unreadable response. Please try again.",
	CodeUnknownError:          "An unexpected error occurred. Please try again.",
	CodeRateLimitExceeded:     "Too many requests. Please wait a minute and try again.",
	CodeSMSValidationRequired: "SMS verification is required before the reservation can be completed.",
	CodeDealerNoActivation:    "The dealer account is not activated for pay-on-board reservations.",
	CodeNoPhone:               "A valid phone number is required.",
	CodeNoOrder:               "The order was not found.",
	CodeIntervalNotFound:      "The selected trip is no longer available. Please search again.",
	CodeNoPassengerData:       "Passenger data is missing or invalid.",
	CodePlaceNotFree:          "The selected seat is no longer free.",
	CodeReservePendingExists:  "This phone number already has a pending pay-on-board reservation.",
	CodeSMSAttemptsExceeded:   "Maximum SMS verification attempts exceeded.",
}

// retryable codes are transport-level failures. Domain codes are terminal.
var retryableCodes = map[ErrorCode]bool{
	CodeNetworkError: true,
	CodeParseError:   true,
	CodeUnknownError: true,
}

// Message returns the user-facing message for a code.
func (c ErrorCode) Message() string {
	if m, ok := errorMessages[c]; ok {
		return m
	}
	return errorMessages[CodeUnknownError]
}

// Retryable reports whether failures with this code may be retried.
func (c ErrorCode) Retryable() bool {
	return retryableCodes[c]
}

// Known reports whether c is one of the canonical codes.
func (c ErrorCode) Known() bool {
	_, ok := errorMessages[c]
	return ok
}

// ReserveError is the classified failure returned by the backend clients and services.
type ReserveError struct {
	Code        ErrorCode
	Message     string
	Raw         string
	Retryable   bool
	SMSRequired bool
	Err         error
}

func (e *ReserveError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Raw)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *ReserveError) Unwrap() error {
	return e.Err
}

// NewError builds a ReserveError whose message and retry flag come from the code table.
func NewError(code ErrorCode, raw string, cause error) *ReserveError {
	return &ReserveError{
		Code:        code,
		Message:     code.Message(),
		Raw:         raw,
		Retryable:   code.Retryable(),
		SMSRequired: code == CodeSMSValidationRequired,
		Err:         cause,
	}
}

// ErrorInfo is the serialisable failure included in API responses.
type ErrorInfo struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Details        string    `json:"details,omitempty"`
	RetrySuggested bool      `json:"retry_suggested"`
	SMSRequired    bool      `json:"sms_required,omitempty"`
}

// Info converts the error into its response shape.
func (e *ReserveError) Info() *ErrorInfo {
	return &ErrorInfo{
		Code:           e.Code,
		Message:        e.Message,
		Details:        e.Raw,
		RetrySuggested: e.Retryable,
		SMSRequired:    e.SMSRequired,
	}
}
