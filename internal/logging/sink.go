// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package logging

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/toybox/toybox/pkg/plugin"
)

// PluginSink mirrors host log records to Logger plugins. Attach and
// Detach may be called while logging.
type PluginSink struct {
	mu      sync.RWMutex
	loggers []plugin.Logger
	level   slog.Leveler
}

// NewPluginSink creates a sink forwarding records at or above level.
// A nil level forwards info and above.
func NewPluginSink(level slog.Leveler) *PluginSink {
	if level == nil {
		level = slog.LevelInfo
	}
	return &PluginSink{level: level}
}

// Attach starts forwarding to l. Attaching twice has no effect.
func (s *PluginSink) Attach(l plugin.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.loggers, l) {
		return
	}
	s.loggers = append(s.loggers, l)
}

// Detach stops forwarding to l.
func (s *PluginSink) Detach(l plugin.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggers = slices.DeleteFunc(s.loggers, func(x plugin.Logger) bool { return x == l })
}

// Len returns the number of attached loggers.
func (s *PluginSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.loggers)
}

func (s *PluginSink) snapshot() []plugin.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.loggers)
}

// forwardingKey marks contexts passed to Logger plugins. Records logged
// with such a context are not forwarded again.
type forwardingKey struct{}

func (s *PluginSink) forward(ctx context.Context, r slog.Record) {
	if ctx.Value(forwardingKey{}) != nil || r.Level < s.level.Level() {
		return
	}
	ctx = context.WithValue(ctx, forwardingKey{}, true)
	for _, l := range s.snapshot() {
		l.Log(ctx, r.Clone())
	}
}

// Handler wraps inner so that every record is also forwarded.
func (s *PluginSink) Handler(inner slog.Handler) slog.Handler {
	return &sinkHandler{inner: inner, sink: s}
}

// sinkHandler writes to inner and forwards to the sink. Attributes and
// groups added with WithAttrs and WithGroup are folded into forwarded
// records so that plugins see what the inner handler sees.
type sinkHandler struct {
	inner  slog.Handler
	sink   *PluginSink
	groups []string
	// attrs holds WithAttrs attributes, already nested under the groups
	// open at the time they were added.
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner.Enabled(ctx, level) {
		return true
	}
	return h.sink.Len() > 0 && h.sink.level.Level() <= level
}

func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.sink.Len() > 0 {
		h.sink.forward(ctx, h.flatten(r))
	}
	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.inner.Handle(ctx, r)
}

// flatten returns r with the handler's attributes and groups applied.
func (h *sinkHandler) flatten(r slog.Record) slog.Record {
	if len(h.groups) == 0 && len(h.attrs) == 0 {
		return r
	}
	own := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		own = append(own, a)
		return true
	})
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(h.attrs...)
	out.AddAttrs(nest(h.groups, own)...)
	return out
}

// nest wraps attrs in the given groups, innermost last.
func nest(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	for i := len(groups) - 1; i >= 0; i-- {
		attrs = []slog.Attr{{Key: groups[i], Value: slog.GroupValue(attrs...)}}
	}
	return attrs
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sinkHandler{
		inner:  h.inner.WithAttrs(attrs),
		sink:   h.sink,
		groups: h.groups,
		attrs:  append(slices.Clone(h.attrs), nest(h.groups, attrs)...),
	}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &sinkHandler{
		inner:  h.inner.WithGroup(name),
		sink:   h.sink,
		groups: append(slices.Clone(h.groups), name),
		attrs:  h.attrs,
	}
}
