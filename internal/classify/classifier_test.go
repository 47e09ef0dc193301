package classify

import (
	"strings"
	"testing"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

func TestValidationClassifier(t *testing.T) {
	c := ForValidation()
	tests := []struct {
		raw  string
		want domain.ErrorCode
	}{
		{"need_sms_validation", domain.CodeSMSValidationRequired},
		{"Dealer no activ", domain.CodeDealerNoActivation},
		{"wrong login or password", domain.CodeDealerNoActivation},
		{"no_phone", domain.CodeNoPhone},
		{"Too many requests", domain.CodeRateLimitExceeded},
		{"request limit reached", domain.CodeRateLimitExceeded},
		{"something odd happened", domain.CodeUnknownError},
		{"", domain.CodeUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := c.Classify(tt.raw)
			if got.Code != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.raw, got.Code, tt.want)
			}
		})
	}
}

func TestReservationClassifier(t *testing.T) {
	c := ForReservation()
	tests := []struct {
		raw       string
		want      domain.ErrorCode
		retryable bool
	}{
		{"dealer_no_activ", domain.CodeDealerNoActivation, false},
		{"no_order", domain.CodeNoOrder, false},
		{"Order not found", domain.CodeNoOrder, false},
		{"interval_no_found", domain.CodeIntervalNotFound, false},
		{"no_passenger_data", domain.CodeNoPassengerData, false},
		{"place is not free", domain.CodePlaceNotFree, false},
		{"seat taken", domain.CodePlaceNotFree, false},
		{"reserve_exist", domain.CodeReservePendingExists, false},
		{"phone has a PENDING booking", domain.CodeReservePendingExists, false},
		{"bad phone", domain.CodeNoPhone, false},
		{"place is not free for this order", domain.CodePlaceNotFree, false},
		{"order already has a pending reservation", domain.CodeReservePendingExists, false},
		{"no passenger data in order", domain.CodeNoPassengerData, false},
		{"interval for order not found", domain.CodeIntervalNotFound, false},
		{"internal failure", domain.CodeUnknownError, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := c.Classify(tt.raw)
			if got.Code != tt.want || got.Retryable != tt.retryable {
				t.Fatalf("Classify(%q) = %+v, want %s retryable=%v", tt.raw, got, tt.want, tt.retryable)
			}
		})
	}
}

func TestSMSWordingAlwaysWins(t *testing.T) {
	texts := []string{
		"SMS",
		"reserve_validation",
		"dealer must pass SMS check",
		"order requires validation",
		"phone validation pending",
		"seat not free, sms needed",
		"interval VALIDATION error",
		"too many sms",
	}
	for _, c := range []*Classifier{ForValidation(), ForReservation()} {
		for _, text := range texts {
			got := c.Classify(text)
			if got.Code != domain.CodeSMSValidationRequired {
				t.Errorf("%s: Classify(%q) = %s, want SMS_VALIDATION_REQUIRED", c.Name(), text, got.Code)
			}
			if got.Retryable {
				t.Errorf("%s: SMS requirement must not be retried automatically", c.Name())
			}
		}
	}
}

func TestClassifierError(t *testing.T) {
	err := ForReservation().Error("need SMS validation")
	if !err.SMSRequired {
		t.Fatal("expected sms_required flag")
	}
	if err.Raw != "need SMS validation" || !strings.Contains(err.Error(), "SMS_VALIDATION_REQUIRED") {
		t.Fatalf("unexpected error: %v", err)
	}
	if err.Message != domain.CodeSMSValidationRequired.Message() {
		t.Fatalf("message must come from the code table, got %q", err.Message)
	}
}
