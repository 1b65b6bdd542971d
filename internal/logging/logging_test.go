package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger := New("not-a-level", "json")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected fallback to info level, got %v", logger.GetLevel())
	}
}

func TestNewHonorsConfiguredLevel(t *testing.T) {
	logger := New("debug", "json")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.GetLevel())
	}
}

func TestNewConsoleFormatDoesNotPanic(t *testing.T) {
	logger := New("warn", "console")
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", logger.GetLevel())
	}
}
