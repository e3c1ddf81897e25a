package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"becoin/internal/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewTo(&buf, config.Logging{Level: "debug"})
	l.Debug("hello", "run", "r1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected json record: %v (%s)", err, buf.String())
	}
	if rec["service"] != "becoin" || rec["run"] != "r1" || rec["msg"] != "hello" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewTo(&buf, config.Logging{Level: "warn", Format: "text", Service: "svc"})
	l.Info("quiet")
	l.Warn("loud")
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "msg=loud") || !strings.Contains(out, "service=svc") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"ERROR", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %q", got)
	}
}
