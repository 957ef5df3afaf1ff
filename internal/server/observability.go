package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider   *sdktrace.TracerProvider
	ExperimentRuns  metric.Int64Counter
	ProbeDuration   metric.Int64Histogram
	ProbeOutcomes   metric.Int64Counter
	SubjectFailures metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "latent-probe-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	experimentRuns, _ := meter.Int64Counter("experiment_run_total")
	probeDuration, _ := meter.Int64Histogram("probe_duration_ms")
	probeOutcomes, _ := meter.Int64Counter("probe_outcome_total")
	subjectFailures, _ := meter.Int64Counter("subject_failure_total")
	return &Observability{
		Tracer:          tracer,
		Meter:           meter,
		traceProvider:   tp,
		ExperimentRuns:  experimentRuns,
		ProbeDuration:   probeDuration,
		ProbeOutcomes:   probeOutcomes,
		SubjectFailures: subjectFailures,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkExperiment(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.ExperimentRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkProbe(ctx context.Context, protocol string, durationMS int64) {
	if o == nil {
		return
	}
	o.ProbeDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("protocol", protocol),
	))
}

func (o *Observability) MarkOutcome(ctx context.Context, outcome string) {
	if o == nil {
		return
	}
	o.ProbeOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (o *Observability) MarkSubjectFailure(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.SubjectFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
