// Package telemetry installs the OpenTelemetry providers and holds the feed's instruments
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "marketfeed"

// Options selects the signals Setup installs. Metrics are always on.
type Options struct {
	Traces bool
	Logs   bool
	// Version is reported as service.version
	Version string
	// SampleRatio is the fraction of root spans kept; zero or above one keeps all
	SampleRatio float64
	// Output receives exported spans and log records, os.Stdout when nil
	Output io.Writer
}

// Telemetry owns the installed providers
type Telemetry struct {
	shutdowns []func(context.Context) error
}

// Setup installs a Prometheus-backed meter provider and, on request, stdout span
// and log exporters. On error nothing is left installed.
func Setup(serviceName string, opts Options) (*Telemetry, error) {
	attrs := resource.NewSchemaless(semconv.ServiceName(serviceName))
	if opts.Version != "" {
		attrs = resource.NewSchemaless(semconv.ServiceName(serviceName), semconv.ServiceVersion(opts.Version))
	}
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	reader, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	t := &Telemetry{shutdowns: []func(context.Context) error{mp.Shutdown}}

	var tp *sdktrace.TracerProvider
	if opts.Traces {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			_ = t.Shutdown(context.Background())
			return nil, fmt.Errorf("span exporter: %w", err)
		}
		sampler := sdktrace.AlwaysSample()
		if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
			sampler = sdktrace.TraceIDRatioBased(opts.SampleRatio)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}

	var lp *sdklog.LoggerProvider
	if opts.Logs {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(out))
		if err != nil {
			_ = t.Shutdown(context.Background())
			return nil, fmt.Errorf("log exporter: %w", err)
		}
		lp = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
			sdklog.WithResource(res),
		)
		t.shutdowns = append(t.shutdowns, lp.Shutdown)
	}

	otel.SetMeterProvider(mp)
	if tp != nil {
		otel.SetTracerProvider(tp)
	}
	if lp != nil {
		global.SetLoggerProvider(lp)
	}

	// bind the feed instruments now that a real provider is behind the delegate
	GetGlobalMetrics()
	return t, nil
}

// Shutdown flushes every provider, newest first, and joins their errors
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

func GetTracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
