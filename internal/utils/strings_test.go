package utils

import "testing"

func TestPhoneHelpers(t *testing.T) {
	tests := []struct {
		in     string
		digits string
		valid  bool
	}{
		{"0070012345", "0070012345", true},
		{"+38 (067) 123-45-67", "380671234567", true},
		{"070", "070", false},
		{"", "", false},
		{"phone: 12345-6789", "123456789", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := PhoneDigits(tt.in); got != tt.digits {
				t.Fatalf("PhoneDigits(%q) = %q, want %q", tt.in, got, tt.digits)
			}
			if got := IsValidPhone(tt.in); got != tt.valid {
				t.Fatalf("IsValidPhone(%q) = %v, want %v", tt.in, got, tt.valid)
			}
		})
	}
}

func TestNormalizePhone_KeepsLeadingPlus(t *testing.T) {
	if got := NormalizePhone(" +1 (555) 010-9999 "); got != "+15550109999" {
		t.Fatalf("unexpected normalized phone %q", got)
	}
}
