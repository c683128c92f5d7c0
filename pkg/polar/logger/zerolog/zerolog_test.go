package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("m", polar.Field{Key: "key", Value: "value"}) }, "debug"},
		{"info", func(l *Logger) { l.Info("m", polar.Field{Key: "key", Value: "value"}) }, "info"},
		{"warn", func(l *Logger) { l.Warn("m", polar.Field{Key: "key", Value: "value"}) }, "warn"},
		{"error", func(l *Logger) { l.Error("m", polar.Field{Key: "key", Value: "value"}) }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			tt.log(NewLogger(zerolog.New(&output)))

			var entry map[string]any
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("log entry is not JSON: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["key"] != "value" {
				t.Errorf("key = %v, want value", entry["key"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_ErrorField(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Error("dispatch failed", polar.Field{Key: "error", Value: errors.New("boom")})

	var entry map[string]any
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}

func TestZerologLogger_With(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output)).With(polar.Field{Key: "component", Value: "webhook"})

	logger.Info("test message", polar.Field{Key: "event_type", Value: "order.created"})

	var entry map[string]any
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if entry["component"] != "webhook" || entry["event_type"] != "order.created" {
		t.Errorf("unexpected entry: %v", entry)
	}
}
