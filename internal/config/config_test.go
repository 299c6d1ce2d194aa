package config

import "testing"

func TestNewLoggerDebugLevel(t *testing.T) {
	log, err := NewLogger(true)
	if err != nil {
		t.Fatalf("NewLogger(true): %v", err)
	}
	if !log.Core().Enabled(-1) { // zapcore.DebugLevel
		t.Fatalf("expected debug logger to have debug level enabled")
	}
}

func TestNewLoggerProductionLevel(t *testing.T) {
	log, err := NewLogger(false)
	if err != nil {
		t.Fatalf("NewLogger(false): %v", err)
	}
	if log.Core().Enabled(-1) { // zapcore.DebugLevel
		t.Fatalf("expected production logger to have debug level disabled")
	}
}
