package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw    string
		want   zerolog.Level
		wantOK bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, true},
		{" WARN ", zerolog.WarnLevel, true},
		{"warning", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"bogus", zerolog.InfoLevel, false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.raw)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tc.raw, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "nope")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)

	if cfg.Level != zerolog.ErrorLevel {
		t.Errorf("level = %v, want error", cfg.Level)
	}
	if !cfg.JSON {
		t.Error("JSON should be enabled by env override")
	}
	if cfg.NoColor {
		t.Error("unparseable NoColor override should be ignored")
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger.Info().Str("host", "h1").Msg("connected")
	logger.Debug().Msg("filtered")

	out := buf.String()
	if !strings.Contains(out, `"host":"h1"`) || !strings.Contains(out, `"message":"connected"`) {
		t.Errorf("unexpected output: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Error("debug event should be filtered at info level")
	}
}
