package config_test

import (
	"testing"

	"github.com/MrWong99/posvoice/internal/config"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  bool
	}{
		{config.LogDebug, true},
		{config.LogInfo, true},
		{config.LogWarn, true},
		{config.LogError, true},
		{"trace", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := tc.level.IsValid(); got != tc.want {
			t.Errorf("LogLevel(%q).IsValid() = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestCaptureSource_IsValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		source config.CaptureSource
		want   bool
	}{
		{config.CaptureLocal, true},
		{config.CaptureRemote, true},
		{config.CaptureNone, true},
		{"bluetooth", false},
	}
	for _, tc := range tests {
		if got := tc.source.IsValid(); got != tc.want {
			t.Errorf("CaptureSource(%q).IsValid() = %v, want %v", tc.source, got, tc.want)
		}
	}
}

func TestProviderEntry_Option(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{"voice": "Puck", "rate": 3}}
	if got := e.Option("voice"); got != "Puck" {
		t.Errorf("Option(voice) = %q, want Puck", got)
	}
	if got := e.Option("rate"); got != "" {
		t.Errorf("Option(rate) = %q, want empty for non-string", got)
	}
	if got := (config.ProviderEntry{}).Option("voice"); got != "" {
		t.Errorf("Option on nil map = %q", got)
	}
}
