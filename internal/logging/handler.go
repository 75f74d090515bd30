// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package logging provides structured logging with OpenTelemetry trace
// context, optionally mirrored to Logger plugins.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/trace"
)

// traceHandler adds the span of the record's context, if any.
type traceHandler struct {
	handler slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name)}
}

// Option configures Setup.
type Option func(*options)

type options struct {
	level slog.Leveler
	sink  *PluginSink
}

// WithLevel sets the minimum level written to w. Defaults to debug.
func WithLevel(level slog.Leveler) Option {
	return func(o *options) { o.level = level }
}

// WithSink mirrors records to the Logger plugins attached to sink.
func WithSink(sink *PluginSink) Option {
	return func(o *options) { o.sink = sink }
}

// ParseLevel maps a configuration level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, oops.In("logging").
			Code("LOG_LEVEL_INVALID").
			With("level", name).
			Hint("use debug, info, warn or error").
			Wrapf(err, "invalid log level")
	}
	return level, nil
}

// Setup creates a configured slog.Logger.
// format: "json" or "text" (defaults to "json" if empty)
// If w is nil, writes to os.Stderr.
func Setup(service, version, format string, w io.Writer, opts ...Option) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	o := options{level: slog.LevelDebug}
	for _, opt := range opts {
		opt(&o)
	}

	var baseHandler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: o.level,
	}

	if format == "text" {
		baseHandler = slog.NewTextHandler(w, handlerOpts)
	} else {
		baseHandler = slog.NewJSONHandler(w, handlerOpts)
	}

	if o.sink != nil {
		baseHandler = o.sink.Handler(baseHandler)
	}

	// Service and version sit outside any group a caller opens later.
	baseHandler = baseHandler.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	})
	return slog.New(&traceHandler{handler: baseHandler})
}

// SetDefault sets up and configures the default logger.
func SetDefault(service, version, format string, opts ...Option) *slog.Logger {
	logger := Setup(service, version, format, nil, opts...)
	slog.SetDefault(logger)
	return logger
}
