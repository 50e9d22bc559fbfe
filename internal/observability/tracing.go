package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "github.com/ent0n29/calmcompanion"

// Tracing owns the tracer provider selected by configuration.
type Tracing struct {
	Provider trace.TracerProvider
	shutdown func(context.Context) error
}

// SetupTracing returns a provider for mode "none" or "stdout". The stdout mode
// writes spans as JSON to w and installs the provider globally.
func SetupTracing(mode string, w io.Writer) (*Tracing, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none":
		return &Tracing{
			Provider: noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	case "stdout":
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return &Tracing{Provider: tp, shutdown: tp.Shutdown}, nil
	default:
		return nil, fmt.Errorf("invalid tracing mode %q (expected none|stdout)", mode)
	}
}

func (t *Tracing) Tracer() trace.Tracer {
	return t.Provider.Tracer(TracerName)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
