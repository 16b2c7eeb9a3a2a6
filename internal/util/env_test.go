package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		t.Setenv("QR_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("QR_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Second},
		{"2s", 2 * time.Second},
		{"300", 300 * time.Millisecond},
		{"soon", time.Second},
	}
	for _, tt := range tests {
		t.Setenv("QR_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("QR_TEST_DURATION", time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("QR_TEST_INT", "8")
	if got := ParseIntEnv("QR_TEST_INT", 4); got != 8 {
		t.Errorf("ParseIntEnv() = %d, want 8", got)
	}
	t.Setenv("QR_TEST_INT", "eight")
	if got := ParseIntEnv("QR_TEST_INT", 4); got != 4 {
		t.Errorf("ParseIntEnv() with bad value = %d, want 4", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("QR_TEST_STR", "  ")
	if got := GetenvDefault("QR_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("GetenvDefault() = %q, want fallback", got)
	}
	t.Setenv("QR_TEST_STR", " value ")
	if got := GetenvDefault("QR_TEST_STR", "fallback"); got != "value" {
		t.Errorf("GetenvDefault() = %q, want value", got)
	}
}
