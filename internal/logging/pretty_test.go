package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandleWritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false
	h := NewPrettyHandler(&buf, &opts)

	logger := slog.New(h)
	logger.Info("peer connected", "peer", "127.0.0.1:9000", "streams", 3)

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, `"peer"`) || !strings.Contains(out, "127.0.0.1:9000") {
		t.Fatalf("output missing attrs: %q", out)
	}
}

func TestWithAttrsIsCumulative(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	h := NewPrettyHandler(&buf, &opts).
		WithAttrs([]slog.Attr{slog.String("component", "archive")}).
		WithAttrs([]slog.Attr{slog.String("file", "readme.txt")})

	logger := slog.New(h)
	logger.Info("put piece")

	if !strings.Contains(buf.String(), "archive") {
		t.Fatalf("WithAttrs attribute missing from output: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "readme.txt") {
		t.Fatalf("second WithAttrs attribute missing from output: %q", buf.String())
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	h := NewPrettyHandler(&bytes.Buffer{}, &Options{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("Info should not be enabled when level is Warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("Error should be enabled when level is Warn")
	}
}
