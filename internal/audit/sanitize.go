package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	droppedKeys = []string{"password", "token", "secret", "apikey", "api_key"}

	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s().-]+$`)
)

// Sanitize returns a copy of details without credentials and with emails and
// phone numbers masked. Nested maps and slices are walked.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		lk := strings.ToLower(k)
		if isDropped(lk) {
			continue
		}
		out[k] = sanitizeValue(lk, v)
	}
	return out
}

func isDropped(key string) bool {
	for _, d := range droppedKeys {
		if strings.Contains(key, d) {
			return true
		}
	}
	return false
}

func sanitizeValue(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(key, item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = sanitizeString(key, item)
		}
		return out
	case string:
		return sanitizeString(key, t)
	case nil, bool, int, int64:
		return v
	default:
		// events are persisted as JSON; NaN, Inf, funcs and channels would poison every later write
		if _, err := json.Marshal(v); err != nil {
			return fmt.Sprint(v)
		}
		return v
	}
}

func sanitizeString(key, s string) string {
	switch {
	case strings.Contains(key, "email") || emailPattern.MatchString(s):
		return MaskEmail(s)
	case strings.Contains(key, "phone") || looksLikePhone(s):
		return MaskPhone(s)
	default:
		return s
	}
}

func looksLikePhone(s string) bool {
	if !phonePattern.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 10
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	_, size := utf8.DecodeRuneInString(email)
	return email[:size] + "***@" + email[at+1:]
}

// MaskPhone replaces every digit except the last four with '*'.
func MaskPhone(phone string) string {
	total := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			total++
		}
	}
	var b strings.Builder
	seen := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= total-4 {
				b.WriteByte('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
