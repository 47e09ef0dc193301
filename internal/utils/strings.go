package utils

import (
	"strings"
	"unicode"
)

// MinPhoneDigits is the shortest phone number the backend accepts.
const MinPhoneDigits = 10

// NormalizeString trims whitespace and normalizes string input
func NormalizeString(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail normalizes email addresses (lowercase and trim)
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone normalizes phone numbers (basic cleaning)
func NormalizePhone(phone string) string {
	// Remove all non-digit characters except + at the beginning
	cleaned := strings.TrimSpace(phone)
	if cleaned == "" {
		return ""
	}

	var result strings.Builder
	for i, r := range cleaned {
		if i == 0 && r == '+' {
			result.WriteRune(r)
		} else if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// PhoneDigits keeps only the digits of phone. It is the cache key for validation state.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPhone reports whether phone resolves to at least MinPhoneDigits digits.
func IsValidPhone(phone string) bool {
	return len(PhoneDigits(phone)) >= MinPhoneDigits
}
