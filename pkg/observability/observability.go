// Package observability provides OpenTelemetry tracing and metrics for the
// governance core. It exports OTLP over gRPC and exposes counters for the
// governance-specific signals operators watch: ledger appends, integrity
// failures, approval decisions, escalations, and emergency declarations.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "castellan",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	appendCounter      metric.Int64Counter
	integrityFailures  metric.Int64Counter
	decisionCounter    metric.Int64Counter
	escalationCounter  metric.Int64Counter
	emergencyCounter   metric.Int64Counter
	appendDurationHist metric.Float64Histogram
}

// New creates an observability provider. When disabled it returns a provider
// whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("castellan.governance",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("castellan.governance",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initGovernanceMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initGovernanceMetrics() error {
	var err error

	p.appendCounter, err = p.meter.Int64Counter("castellan.ledger.appends.total",
		metric.WithDescription("Total audit records appended"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}
	p.integrityFailures, err = p.meter.Int64Counter("castellan.ledger.integrity_failures.total",
		metric.WithDescription("Digest or chain verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}
	p.decisionCounter, err = p.meter.Int64Counter("castellan.approvals.decisions.total",
		metric.WithDescription("Approval decisions processed"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}
	p.escalationCounter, err = p.meter.Int64Counter("castellan.approvals.escalations.total",
		metric.WithDescription("Stalled requests force-advanced by the monitor"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return err
	}
	p.emergencyCounter, err = p.meter.Int64Counter("castellan.emergency.declarations.total",
		metric.WithDescription("Emergency authority exercises"),
		metric.WithUnit("{declaration}"),
	)
	if err != nil {
		return err
	}
	p.appendDurationHist, err = p.meter.Float64Histogram("castellan.ledger.append.duration",
		metric.WithDescription("Ledger append duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("castellan.governance")
	}
	return p.tracer
}

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordAppend records one ledger append and its latency.
func (p *Provider) RecordAppend(ctx context.Context, actionType string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("action_type", actionType))
	if p.appendCounter != nil {
		p.appendCounter.Add(ctx, 1, attrs)
	}
	if p.appendDurationHist != nil {
		p.appendDurationHist.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordIntegrityFailure records a verification failure.
func (p *Provider) RecordIntegrityFailure(ctx context.Context, recordID string) {
	if p.integrityFailures != nil {
		p.integrityFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("record_id", recordID)))
	}
}

// RecordDecision records one approval decision.
func (p *Provider) RecordDecision(ctx context.Context, decision string) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", decision)))
	}
}

// RecordEscalation records one forced advancement.
func (p *Provider) RecordEscalation(ctx context.Context) {
	if p.escalationCounter != nil {
		p.escalationCounter.Add(ctx, 1)
	}
}

// RecordEmergency records one emergency declaration.
func (p *Provider) RecordEmergency(ctx context.Context, level string) {
	if p.emergencyCounter != nil {
		p.emergencyCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("emergency_level", level)))
	}
}
