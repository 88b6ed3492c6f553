package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ntsync/ntsync-go/pkg/config"
	plog "github.com/ntsync/ntsync-go/pkg/log"
)

func TestNewJSONIncludesDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3")

	logger.Info("connected", "address", "10.16.90.2:5810")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != Service {
		t.Errorf("service = %v, want %s", record["service"], Service)
	}
	if record["version"] != "1.2.3" {
		t.Errorf("version = %v", record["version"])
	}
	if record["address"] != "10.16.90.2:5810" {
		t.Errorf("address = %v", record["address"])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "info", Format: "text"}, "dev")

	logger.Info("hello")

	if !strings.Contains(buf.String(), "service=ntsync") {
		t.Errorf("text output missing service: %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, "dev")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestProtocolDisabled(t *testing.T) {
	pl, closeFn, err := Protocol(config.LoggingConfig{Level: "info"}, slog.Default())
	if err != nil {
		t.Fatalf("Protocol() error = %v", err)
	}
	if _, ok := pl.(plog.NoopLogger); !ok {
		t.Errorf("got %T, want NoopLogger", pl)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close error = %v", err)
	}
}

func TestProtocolCaptureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")
	pl, closeFn, err := Protocol(config.LoggingConfig{Level: "info", ProtocolLog: path}, nil)
	if err != nil {
		t.Fatalf("Protocol() error = %v", err)
	}

	pl.Log(plog.Event{ConnectionID: "c1", Layer: plog.LayerNT4, Category: plog.CategoryMessage})
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	r, err := plog.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.ConnectionID != "c1" {
		t.Errorf("ConnectionID = %q", ev.ConnectionID)
	}
}

func TestProtocolDebugMirrorsToSlog(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "debug", Format: "text", ProtocolLog: filepath.Join(t.TempDir(), "c.cbor")}
	logger := newWithWriter(&buf, cfg, "dev")

	pl, closeFn, err := Protocol(cfg, logger)
	if err != nil {
		t.Fatalf("Protocol() error = %v", err)
	}
	defer closeFn()

	if _, ok := pl.(*plog.MultiLogger); !ok {
		t.Fatalf("got %T, want MultiLogger", pl)
	}
	pl.Log(plog.Event{ConnectionID: "c2", Layer: plog.LayerSession, Category: plog.CategoryState,
		StateChange: &plog.StateChangeEvent{OldState: "DISCONNECTED", NewState: "CONNECTING"}})

	if !strings.Contains(buf.String(), "new_state=CONNECTING") {
		t.Errorf("slog output missing protocol event: %q", buf.String())
	}
}

func TestProtocolBadPath(t *testing.T) {
	_, _, err := Protocol(config.LoggingConfig{ProtocolLog: filepath.Join(t.TempDir(), "missing", "x.cbor")}, nil)
	if err == nil {
		t.Error("expected error for unwritable path")
	}
}
