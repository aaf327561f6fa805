package actuator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mjasion/balena-home/battery-guard/battery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrActuatorUnreachable is returned when no transport accepted a command
var ErrActuatorUnreachable = errors.New("actuator unreachable")

// DefaultLocalAttemptTimeout bounds one local transport attempt so the cloud keeps part of the dispatch budget
const DefaultLocalAttemptTimeout = 10 * time.Second

// Path identifies how a transport reaches the device
type Path string

const (
	PathLocal Path = "local"
	PathCloud Path = "cloud"
)

// Transport switches the AC supply through one channel
type Transport interface {
	Name() string
	Path() Path
	Set(ctx context.Context, cmd battery.Command) error
}

// TransportError is a failure of a single transport
type TransportError struct {
	Transport string
	Path      Path
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Path, e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UnreachableError carries the failure of every transport that was tried
type UnreachableError struct {
	Failures []*TransportError
}

func (e *UnreachableError) Error() string {
	details := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		details[i] = f.Error()
	}
	return fmt.Sprintf("%v: %s", ErrActuatorUnreachable, strings.Join(details, "; "))
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrActuatorUnreachable
}

// Result describes a successful dispatch
type Result struct {
	Via       Path
	Transport string
	// Failures of transports tried before the successful one
	Failures []*TransportError
	Duration time.Duration
}

// FailureDetail joins the failures that preceded the success, empty when the first transport worked
func (r Result) FailureDetail() string {
	details := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		details[i] = f.Error()
	}
	return strings.Join(details, "; ")
}

// Dispatcher sends commands through local transports first and falls back to cloud ones
type Dispatcher struct {
	transports   []Transport
	localTimeout time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewDispatcher orders the transports local first, keeping registration order within a path
func NewDispatcher(logger *zap.Logger, transports ...Transport) (*Dispatcher, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("at least one actuator transport must be configured")
	}

	ordered := make([]Transport, len(transports))
	copy(ordered, transports)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Path() == PathLocal && ordered[j].Path() != PathLocal
	})

	return &Dispatcher{
		transports:   ordered,
		localTimeout: DefaultLocalAttemptTimeout,
		logger:       logger,
		tracer:       otel.Tracer("actuator"),
	}, nil
}

// SetLocalAttemptTimeout changes the deadline of a single local attempt. Zero or less keeps the current one.
func (d *Dispatcher) SetLocalAttemptTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.localTimeout = timeout
	}
}

// Transports returns the dispatch order
func (d *Dispatcher) Transports() []Transport {
	out := make([]Transport, len(d.transports))
	copy(out, d.transports)
	return out
}

// Send tries each transport in order until one accepts the command
func (d *Dispatcher) Send(ctx context.Context, cmd battery.Command) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "actuator.Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("actuator.command", cmd.String())),
	)
	defer span.End()

	start := time.Now()
	var failures []*TransportError

	for _, t := range d.transports {
		span.AddEvent("transport attempt", trace.WithAttributes(
			attribute.String("actuator.transport", t.Name()),
			attribute.String("actuator.path", string(t.Path())),
		))

		err := d.attempt(ctx, t, cmd)
		if err == nil {
			result := Result{
				Via:       t.Path(),
				Transport: t.Name(),
				Failures:  failures,
				Duration:  time.Since(start),
			}
			span.SetAttributes(attribute.String("actuator.via", string(result.Via)))
			span.SetStatus(codes.Ok, "command delivered")
			return result, nil
		}

		failure := &TransportError{Transport: t.Name(), Path: t.Path(), Err: err}
		failures = append(failures, failure)
		d.logger.Warn("actuator transport failed, trying next",
			zap.String("transport", t.Name()),
			zap.String("path", string(t.Path())),
			zap.String("command", cmd.String()),
			zap.Error(err),
		)

		// a local deadline only ends that attempt, the caller's context ends the dispatch
		if ctx.Err() != nil {
			break
		}
	}

	err := &UnreachableError{Failures: failures}
	span.RecordError(err)
	span.SetStatus(codes.Error, "all transports failed")
	return Result{Duration: time.Since(start)}, err
}

func (d *Dispatcher) attempt(ctx context.Context, t Transport, cmd battery.Command) error {
	if t.Path() != PathLocal {
		return t.Set(ctx, cmd)
	}
	ctx, cancel := context.WithTimeout(ctx, d.localTimeout)
	defer cancel()
	return t.Set(ctx, cmd)
}
