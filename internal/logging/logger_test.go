package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{input: "", want: zapcore.InfoLevel},
		{input: " DEBUG ", want: zapcore.DebugLevel},
		{input: "warning", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "verbose", wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.input, func(t *testing.T) {
			level, err := ParseLevel(testCase.input)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", testCase.input)
				}
				return
			}
			if err != nil || level != testCase.want {
				t.Fatalf("expected %v, got %v err=%v", testCase.want, level, err)
			}
		})
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}
