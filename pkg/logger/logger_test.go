package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type captureWriter struct {
	lines []string
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.lines = append(w.lines, string(p))
	return len(p), nil
}

func TestLineHandlerOutput(t *testing.T) {
	w := &captureWriter{}
	h := &lineHandler{writer: w, minLevel: slog.LevelInfo}

	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "template fallback", 0)
	rec.AddAttrs(slog.String("template", "create_reservation"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(w.lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(w.lines))
	}
	line := w.lines[0]
	if !strings.HasPrefix(line, "WARN ") {
		t.Errorf("line should start with level: %q", line)
	}
	if !strings.Contains(line, "template=create_reservation") {
		t.Errorf("line should carry attrs: %q", line)
	}
}

func TestLineHandlerWithAttrs(t *testing.T) {
	w := &captureWriter{}
	base := &lineHandler{writer: w, minLevel: slog.LevelInfo}
	h := base.WithAttrs([]slog.Attr{slog.String("component", "stream")})

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "chunk dropped", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(w.lines[0], "component=stream") {
		t.Errorf("bound attrs should print: %q", w.lines[0])
	}
}

func TestLineHandlerEnabled(t *testing.T) {
	h := &lineHandler{minLevel: slog.LevelWarn}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}
