// Package classify maps raw backend error text onto the canonical error codes.
package classify

import (
	"strings"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

// Classification is the result of classifying one backend error string.
type Classification struct {
	Code      domain.ErrorCode
	Retryable bool
}

type rule struct {
	code     domain.ErrorCode
	patterns []string
}

// Classifier matches rules in order; the first rule with a matching pattern wins.
type Classifier struct {
	name  string
	rules []rule
}

// SMS wording is checked first in both families so that any text mentioning
// sms or validation can only ever yield SMS_VALIDATION_REQUIRED.
var smsRule = rule{domain.CodeSMSValidationRequired, []string{"sms", "validation"}}

func ForValidation() *Classifier {
	return &Classifier{
		name: "validation",
		rules: []rule{
			smsRule,
			{domain.CodeDealerNoActivation, []string{"dealer", "activ", "login", "password"}},
			{domain.CodeNoPhone, []string{"phone"}},
			{domain.CodeRateLimitExceeded, []string{"limit", "too many"}},
		},
	}
}

func ForReservation() *Classifier {
	return &Classifier{
		name: "reservation",
		rules: []rule{
			smsRule,
			{domain.CodeDealerNoActivation, []string{"dealer", "activ"}},
			{domain.CodeNoOrder, []string{"no_order"}},
			{domain.CodeIntervalNotFound, []string{"interval"}},
			{domain.CodeNoPassengerData, []string{"passenger"}},
			{domain.CodePlaceNotFree, []string{"place", "seat", "not free"}},
			{domain.CodeReservePendingExists, []string{"pending", "already reserved", "reserve_exist"}},
			{domain.CodeNoPhone, []string{"phone"}},
			// bare "order" appears in most backend texts, so it only decides when nothing else matched
			{domain.CodeNoOrder, []string{"order"}},
		},
	}
}

// Name identifies the endpoint family, used as a metrics label.
func (c *Classifier) Name() string {
	return c.name
}

// Classify is case-insensitive and falls back to UNKNOWN_ERROR.
func (c *Classifier) Classify(raw string) Classification {
	text := strings.ToLower(raw)
	for _, r := range c.rules {
		for _, p := range r.patterns {
			if strings.Contains(text, p) {
				return Classification{Code: r.code, Retryable: r.code.Retryable()}
			}
		}
	}
	return Classification{Code: domain.CodeUnknownError, Retryable: domain.CodeUnknownError.Retryable()}
}

// Error builds the ReserveError for raw backend text.
func (c *Classifier) Error(raw string) *domain.ReserveError {
	return domain.NewError(c.Classify(raw).Code, raw, nil)
}
