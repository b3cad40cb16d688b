package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })
	return logs
}

func TestInfoFields(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	Info("dispatcher", "claimed", "item_id", "q-1", "attempts", 2)
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["component"] != "dispatcher" || ctx["item_id"] != "q-1" {
		t.Fatalf("unexpected fields: %#v", ctx)
	}
	if ctx["attempts"] != int64(2) {
		t.Fatalf("unexpected attempts field: %#v", ctx["attempts"])
	}
}

func TestErrorStringifiesErrors(t *testing.T) {
	logs := observe(t, zapcore.InfoLevel)

	Error("gateway", "boom", "error", errors.New("redis down"))
	entries := logs.FilterMessage("boom").All()
	if len(entries) != 1 {
		t.Fatalf("expected error entry")
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected level %s", entries[0].Level)
	}
	if got := entries[0].ContextMap()["error"]; got != "redis down" {
		t.Fatalf("unexpected error field: %#v", got)
	}
}

func TestOddFieldsMarkedMissing(t *testing.T) {
	logs := observe(t, zapcore.DebugLevel)

	Debug("reaper", "scan", "limit")
	ctx := logs.All()[0].ContextMap()
	if ctx["limit"] != "(missing)" {
		t.Fatalf("expected missing marker, got %#v", ctx)
	}
}

func TestLevelFiltering(t *testing.T) {
	logs := observe(t, zapcore.WarnLevel)

	Info("x", "dropped")
	Warn("x", "kept")
	if logs.Len() != 1 || logs.All()[0].Message != "kept" {
		t.Fatalf("unexpected entries: %+v", logs.All())
	}
}

func TestBuildConsole(t *testing.T) {
	l, err := build("debug", "console")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug enabled")
	}
}
