package gitvcs

import (
	"testing"
	"time"
)

func TestEntryName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"req_1", "req_1"},
		{"a/b", "a%2Fb"},
		{".hidden", "%2Ehidden"},
		{"..", "%2E."},
		{"with space", "with%20space"},
	}
	for _, tt := range tests {
		if got := entryName(tt.in); got != tt.want {
			t.Errorf("entryName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSignature(t *testing.T) {
	when := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		author, name, email, formatted string
	}{
		{"Jane Doe <jane@example.com>", "Jane Doe", "jane@example.com", "Jane Doe <jane@example.com>"},
		{"jane", "jane", "", "jane"},
		{"", "wsync", "", "wsync"},
		{"<bot@example.com>", "wsync", "bot@example.com", "wsync <bot@example.com>"},
	}
	for _, tt := range tests {
		sig := parseSignature(tt.author, when)
		if sig.Name != tt.name || sig.Email != tt.email || !sig.When.Equal(when) {
			t.Errorf("parseSignature(%q) = %+v", tt.author, sig)
		}
		if got := formatSignature(sig); got != tt.formatted {
			t.Errorf("formatSignature(%q) = %q, want %q", tt.author, got, tt.formatted)
		}
	}
}
