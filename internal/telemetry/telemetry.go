// Package telemetry wires the global OTel tracer/meter providers that
// internal/dbx and other components already call otel.Tracer/otel.Meter
// against. The teacher's go.mod carries the full otel SDK + stdout exporter
// set (hooks_otel.go, internal/storage/dolt/store.go's doltTracer/
// doltMetrics) but never constructs a provider itself, leaving those spans
// and metrics to the no-op default; this package is what cmd/hived calls at
// startup to actually make them observable.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configures provider construction. The zero value is a usable,
// local-development configuration writing pretty-printed JSON to Writer
// (or os.Stdout if nil).
type Options struct {
	ServiceName string
	Writer      io.Writer
	// ExportInterval governs the metric reader's push cadence. Defaults to
	// 15s, matching dbx's WAL-gauge observation cadence.
	ExportInterval time.Duration
}

// Providers bundles the constructed tracer/meter providers so Shutdown can
// flush both on daemon exit.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup installs stdout-exporting trace and metric providers as the OTel
// globals, so every package-level otel.Tracer(name)/otel.Meter(name) call
// already made throughout the codebase starts producing output.
func Setup(opts Options) (*Providers, error) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(writer), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writer), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	interval := opts.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)

	return &Providers{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and closes both providers, each bounded by ctx.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
