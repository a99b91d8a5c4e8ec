package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q): unexpected error state: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestNew(t *testing.T) {
	for _, json := range []bool{true, false} {
		l, err := New("debug", json)
		if err != nil {
			t.Fatalf("New(json=%v): %v", json, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Error("expected debug enabled")
		}
	}
	if _, err := New("loud", true); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}
