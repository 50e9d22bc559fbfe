package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("turn processed", "session_id", "s1")
	if !strings.Contains(buf.String(), `"session_id":"s1"`) {
		t.Fatalf("json output = %q", buf.String())
	}

	if _, err := NewLogger("loud", "text", &buf); err == nil {
		t.Fatalf("NewLogger(invalid level) error = nil")
	}
	if _, err := NewLogger("info", "xml", &buf); err == nil {
		t.Fatalf("NewLogger(invalid format) error = nil")
	}
}

func TestSetupTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := SetupTracing("stdout", &buf)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := tr.Tracer().Start(context.Background(), "pipeline.fuse")
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "pipeline.fuse") {
		t.Fatalf("exported spans missing pipeline.fuse: %q", buf.String())
	}

	if _, err := SetupTracing("jaeger", nil); err == nil {
		t.Fatalf("SetupTracing(unknown) error = nil")
	}
	none, err := SetupTracing("none", nil)
	if err != nil {
		t.Fatalf("SetupTracing(none) error = %v", err)
	}
	if err := none.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown(none) error = %v", err)
	}
}
