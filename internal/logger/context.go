package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const TraceIDKey contextKey = "trace_id"
const CallIDKey contextKey = "call_id"

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CallIDKey, id)
}

func GetCallID(ctx context.Context) string {
	if id, ok := ctx.Value(CallIDKey).(string); ok {
		return id
	}
	return ""
}

// From returns the default logger enriched with the ids carried by ctx.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetCallID(ctx); id != "" {
		l = l.With("call_id", id)
	}
	if id := GetTraceID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}
