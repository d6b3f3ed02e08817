package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	logger := Component(base, "localsvc")

	logger.InfoCtx(context.Background(), "service started", slog.Int("pid", 42))

	out := buf.String()
	if !strings.Contains(out, "component=localsvc") {
		t.Fatalf("missing component attr: %s", out)
	}
	if !strings.Contains(out, "pid=42") {
		t.Fatalf("missing attr: %s", out)
	}
}

func TestWithAddsPersistentAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	logger := New(base).With(slog.String("backend_id", "glm-ocr-remote-openai"))

	logger.WarnCtx(context.Background(), "slow response")
	if !strings.Contains(buf.String(), "backend_id=glm-ocr-remote-openai") {
		t.Fatalf("missing persistent attr: %s", buf.String())
	}
}

func TestNilBaseFallsBackToDefault(t *testing.T) {
	logger := New(nil)
	// Must not panic.
	logger.ErrorCtx(context.Background(), "boom")
}
