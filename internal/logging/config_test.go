package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"trace":    zerolog.TraceLevel,
		"error":    zerolog.ErrorLevel,
		"warning":  zerolog.WarnLevel,
		"inactive": zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok || got != want {
			t.Fatalf("parseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level must not parse")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "true")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogBypass, "false")
	cfg := DefaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || !cfg.Timestamp || !cfg.NoColor || cfg.Bypass {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestNewBypassWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, Bypass: true, App: "excport"}, &buf)
	logger.Info().Str("phase", "installed").Msg("trap.Listener.Install")
	logger.Debug().Msg("filtered")
	out := buf.String()
	if !strings.Contains(out, `"phase":"installed"`) || !strings.Contains(out, `"app":"excport"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Fatalf("debug line should be filtered at info level")
	}
}

func TestNewConsoleWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.DebugLevel, NoColor: true}, &buf)
	logger.Debug().Uint32("name", 0x103).Msg("port.Allocate")
	if out := buf.String(); !strings.Contains(out, "port.Allocate") || !strings.Contains(out, "name=259") {
		t.Fatalf("unexpected console output: %q", out)
	}
}

func TestResolveConfigAppliesEnvironment(t *testing.T) {
	t.Setenv(EnvLogBypass, "true")
	t.Setenv(EnvLogTimestamp, "false")
	cfg := ResolveConfig(ProfileRuntime)
	if !cfg.Bypass || cfg.Timestamp {
		t.Fatalf("runtime profile ignored the environment: %+v", cfg)
	}
}
