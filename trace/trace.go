// Package trace publishes module load-finished events as OpenTelemetry
// spans.
package trace

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/chazu/modload/loader"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chazu/modload/trace"

// Config selects where spans are exported.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Setup installs a global tracer provider exporting to cfg.Endpoint.
// MODLOAD_OTEL_ENDPOINT overrides the configured endpoint and
// MODLOAD_OTEL_ENABLED=false turns export off. With export off, Setup
// installs nothing and returns a no-op shutdown.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if env := os.Getenv("MODLOAD_OTEL_ENDPOINT"); env != "" {
		cfg.Endpoint = env
		cfg.Enabled = true
	}
	if strings.EqualFold(os.Getenv("MODLOAD_OTEL_ENABLED"), "false") {
		return noop, nil
	}
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "modload"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Sink implements loader.Tracer. Each unit produces one "module.load" span.
type Sink struct {
	tracer oteltrace.Tracer
}

// NewSink creates a sink on tp, or on the global provider when tp is nil.
func NewSink(tp oteltrace.TracerProvider) *Sink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Attribute keys set on load spans.
const (
	AttrModule      = attribute.Key("modload.module")
	AttrUnitID      = attribute.Key("modload.unit_id")
	AttrDomain      = attribute.Key("modload.domain")
	AttrLevel       = attribute.Key("modload.level")
	AttrCollectible = attribute.Key("modload.collectible")
	AttrDebugBits   = attribute.Key("modload.debugger_bits")
	AttrFailedStep  = attribute.Key("modload.failed_step")
)

func (s *Sink) ModuleLoadFinished(ctx context.Context, u *loader.Unit, err error) {
	_, span := s.tracer.Start(ctx, "module.load",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			AttrModule.String(u.Name()),
			AttrUnitID.String(u.ID().String()),
			AttrDomain.String(u.Domain().Name()),
			AttrLevel.String(u.Level().String()),
			AttrCollectible.Bool(u.IsCollectible()),
			AttrDebugBits.String(u.DebuggerBits().String()),
		),
	)
	defer span.End()

	if err != nil {
		var f *loader.Failure
		if errors.As(err, &f) {
			span.SetAttributes(AttrFailedStep.String(f.Step.String()))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
