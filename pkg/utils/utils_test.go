package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("test")
	id2 := GenerateID("test")

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "test_") {
		t.Errorf("expected prefix 'test_', got %s", id1)
	}
	if !strings.HasPrefix(GenerateInstanceID(), "relay_") {
		t.Error("expected relay_ prefix for instance IDs")
	}
}

func TestGeneratePeerCode(t *testing.T) {
	code := GeneratePeerCode(8)
	if len(code) != 8 {
		t.Fatalf("expected 8 characters, got %q", code)
	}
	for _, r := range code {
		if !strings.ContainsRune(peerCodeAlphabet, r) {
			t.Errorf("unexpected character %q in %q", r, code)
		}
	}
	if len(GeneratePeerCode(0)) != 6 {
		t.Error("expected default length 6")
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[GeneratePeerCode(8)] = true
	}
	if len(seen) < 95 {
		t.Errorf("expected mostly unique codes, got %d distinct of 100", len(seen))
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"with tabs", "hello\tworld", "hello\tworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	if got := MaskSensitive("peerjs", 2); got != "pe****" {
		t.Errorf("MaskSensitive() = %q", got)
	}
	if got := MaskSensitive("ab", 4); got != "**" {
		t.Errorf("MaskSensitive() = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{40 * time.Millisecond, "40ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := FormatDuration(tt.d); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if !IsExpired(now.Add(-2*time.Hour), now, time.Hour) {
		t.Error("expected expired timestamp")
	}
	if IsExpired(now.Add(-30*time.Minute), now, time.Hour) {
		t.Error("expected non-expired timestamp")
	}
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"", true},
		{"   ", true},
		{"hello", false},
		{"  hello  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsEmpty(tt.input); got != tt.expected {
				t.Errorf("IsEmpty(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
