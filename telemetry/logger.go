package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// traceFields returns trace_id and span_id for a recording span
func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// LogWithTrace logs msg at level, adding trace context when the span is recording
func LogWithTrace(ctx context.Context, logger *zap.Logger, level zapcore.Level, msg string, fields ...zap.Field) {
	if ce := logger.Check(level, msg); ce != nil {
		ce.Write(append(fields, traceFields(ctx)...)...)
	}
}

func InfoWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.InfoLevel, msg, fields...)
}

func WarnWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.WarnLevel, msg, fields...)
}

func ErrorWithTrace(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	LogWithTrace(ctx, logger, zapcore.ErrorLevel, msg, fields...)
}
