package utils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerMethods(t *testing.T) {
	logger := NewNopLogger().With("component", "test")
	logger.Debug("debug", "k", "v")
	logger.Info("hi", "k", "v")
	logger.Warn("warn", "k2", "v2")
	logger.Error("err", "k3", "v3")
	if logger.Zap() == nil {
		t.Fatalf("expected underlying zap logger")
	}
}

func TestLoggerWithAddsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core)).With("component", "lifecycle")
	logger.Info("room opened", "roomId", "ABC123")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["component"] != "lifecycle" || fields["roomId"] != "ABC123" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestNewLoggerWithUnknownLevelFallsBack(t *testing.T) {
	logger := NewLoggerWithLevel("not-a-level")
	if logger == nil || logger.Zap() == nil {
		t.Fatalf("expected usable logger")
	}
	if !logger.Zap().Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be enabled")
	}
}
