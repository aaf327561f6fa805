package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/battery-guard/config"
)

// Providers holds the initialized OpenTelemetry providers
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders sets up the global tracer and meter providers. It returns nil when disabled.
func InitProviders(ctx context.Context, cfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(cfg)
	providers := &Providers{logger: logger}

	if cfg.Traces.Enabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		logger.Info("tracer provider initialized",
			zap.String("endpoint", cfg.TracesEndpoint()),
			zap.Float64("sampling_ratio", cfg.Traces.SamplingRatio),
		)
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			if providers.TracerProvider != nil {
				_ = providers.TracerProvider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)

		logger.Info("meter provider initialized",
			zap.String("endpoint", cfg.MetricsEndpoint()),
			zap.Int("interval_ms", cfg.Metrics.IntervalMillis),
		)

		if cfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops the providers
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Error("OpenTelemetry shutdown failed", zap.Error(err))
		return err
	}
	p.logger.Info("OpenTelemetry providers shutdown complete")
	return nil
}

func newResource(cfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	for key, value := range cfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func newTracerProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if endpoint := cfg.TracesEndpoint(); endpoint != "" {
		if strings.Contains(endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Traces.SamplingRatio))),
		trace.WithResource(res),
		trace.WithBatcher(exporter,
			trace.WithBatchTimeout(time.Duration(cfg.Traces.ScheduleDelayMillis)*time.Millisecond),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *config.OpenTelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	var opts []otlpmetrichttp.Option
	if endpoint := cfg.MetricsEndpoint(); endpoint != "" {
		if strings.Contains(endpoint, "://") {
			opts = append(opts, otlpmetrichttp.WithEndpointURL(endpoint))
		} else {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(time.Duration(cfg.Metrics.IntervalMillis)*time.Millisecond),
		)),
	), nil
}
