package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const pushAttempts = 3

// PusherConfig configures the remote write pusher
type PusherConfig struct {
	URL          string
	Username     string
	Password     string
	PushInterval time.Duration
	// RetryBackoff is the wait before the second attempt, doubled after each failure
	RetryBackoff time.Duration
}

// Pusher periodically drains the sample buffer into a Prometheus remote write endpoint
type Pusher struct {
	cfg    PusherConfig
	client *http.Client
	buffer *RingBuffer[Sample]
	logger *zap.Logger

	mu       sync.Mutex
	lastPush time.Time
}

// NewPusher creates a pusher reading from buf
func NewPusher(cfg PusherConfig, buf *RingBuffer[Sample], logger *zap.Logger) *Pusher {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		buffer: buf,
		logger: logger,
	}
}

// Run pushes buffered samples every interval until ctx is done.
// Samples of a failed push go back into the buffer.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("remote write pusher started", zap.Duration("push_interval", p.cfg.PushInterval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("remote write pusher stopping")
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes whatever is buffered right now
func (p *Pusher) Flush(ctx context.Context) {
	samples := p.buffer.Drain()
	if len(samples) == 0 {
		p.logger.Debug("no samples to push")
		return
	}

	if err := p.Push(ctx, samples); err != nil {
		p.logger.Error("failed to push samples, re-buffering",
			zap.Int("samples", len(samples)),
			zap.Error(err),
		)
		p.buffer.Add(samples...)
	}
}

// Push sends samples with up to three attempts and exponential backoff
func (p *Pusher) Push(ctx context.Context, samples []Sample) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.samples", len(samples))),
	)
	defer span.End()

	writeReq := &prompb.WriteRequest{Timeseries: BuildTimeSeries(ctx, samples)}

	var lastErr error
	backoff := p.cfg.RetryBackoff
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		err := p.pushOnce(ctx, writeReq)
		if err == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Info("pushed samples",
				zap.Int("samples", len(samples)),
				zap.Int("series", len(writeReq.Timeseries)),
				zap.Int("attempt", attempt),
			)
			span.SetStatus(codes.Ok, "samples pushed")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push samples, will retry", zap.Int("attempt", attempt), zap.Error(err))
		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("metrics.attempt", attempt),
			attribute.String("error", err.Error()),
		))

		if attempt < pushAttempts {
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push samples after %d attempts: %w", pushAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LastPushTime returns the time of the last successful push, zero before the first one
func (p *Pusher) LastPushTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPush
}
