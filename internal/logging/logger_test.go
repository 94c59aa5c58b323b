package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewProductionLoggerAtLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "warn")
	if err != nil {
		t.Fatalf("New(false, warn) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be suppressed at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("warn should be enabled at warn level")
	}
	logger.Warn("production logger ready")
}

func TestNewDevelopmentLoggerDefaultsDebug(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "")
	if err != nil {
		t.Fatalf("New(true, \"\") error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("development logger should enable debug by default")
	}
	logger.Debug("development logger ready")
}

func TestNewRejectsBogusLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(false, "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
