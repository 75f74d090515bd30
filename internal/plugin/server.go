// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/toybox/toybox/internal/bus"
	"github.com/toybox/toybox/pkg/errutil"
	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/observable"
	"github.com/toybox/toybox/pkg/plugin"
)

// MemberLoaded is the member of the PropertyChangedEvent[Server, bool]
// sent when a plugin set finishes loading or unloading.
const MemberLoaded = "loaded"

// LogSink receives logger plugins for the lifetime of their attachment.
type LogSink interface {
	Attach(l plugin.Logger)
	Detach(l plugin.Logger)
}

// ServerConfig selects which plugins a Server loads.
type ServerConfig struct {
	// Dir is the plugins directory.
	Dir string
	// Requested limits loading to these names, types or patterns and
	// their dependencies. Empty loads everything.
	Requested []string
}

// Server loads a plugin set in dependency order and tears it down in
// reverse. Load, Update, Unload and Reload must be called from one
// goroutine; Plugins, Lookup, Acquire and Ready may be called from any.
type Server struct {
	cfg        ServerConfig
	dispatcher message.Dispatcher
	logger     *slog.Logger
	opener     LibraryOpener
	sink       LogSink
	fsys       fs.FS

	reloadRetries uint64
	reloadBackoff time.Duration

	mu       sync.RWMutex
	records  []*Record
	byName   map[string]*Record
	handlers map[string]message.HandlerID
	sunk     map[string]plugin.Logger
	loaded   bool
	status   *observable.Observable[Server, bool]

	unloading atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDispatcher sets the bus plugins are attached to.
func WithDispatcher(d message.Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithLogger sets the server's logger. Plugins get a child logger tagged
// with their name.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOpener replaces the library opener, dynlib.Open by default.
func WithOpener(open LibraryOpener) ServerOption {
	return func(s *Server) {
		s.opener = open
	}
}

// WithLogSink attaches logger plugins to sink while they are loaded.
func WithLogSink(sink LogSink) ServerOption {
	return func(s *Server) {
		s.sink = sink
	}
}

// WithPluginFS reads manifests from fsys instead of the OS filesystem.
func WithPluginFS(fsys fs.FS) ServerOption {
	return func(s *Server) {
		s.fsys = fsys
	}
}

// WithReloadRetries retries the load half of Reload with exponential
// backoff when the plugins directory cannot be read.
func WithReloadRetries(retries uint64, base time.Duration) ServerOption {
	return func(s *Server) {
		s.reloadRetries = retries
		s.reloadBackoff = base
	}
}

// NewServer creates a server. Nothing is loaded until Load is called.
func NewServer(cfg ServerConfig, opts ...ServerOption) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        slog.Default(),
		reloadBackoff: 100 * time.Millisecond,
		byName:        make(map[string]*Record),
		handlers:      make(map[string]message.HandlerID),
		sunk:          make(map[string]plugin.Logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = bus.New(bus.WithLogger(s.logger))
	}
	s.status = observable.New(s.dispatcher, s, MemberLoaded, false)
	return s
}

// Dispatcher returns the bus the server sends lifecycle events on.
func (s *Server) Dispatcher() message.Dispatcher { return s.dispatcher }

// Load discovers the plugin set and loads it in dependency order.
// Individual plugin failures are logged and skipped. An error is returned
// only when the plugins directory cannot be read or the set is already
// loaded.
func (s *Server) Load(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return oops.In("server").
			Code("SERVER_ALREADY_LOADED").
			With("dir", s.cfg.Dir).
			Errorf("plugins are already loaded; unload them first")
	}

	finderOpts := []FinderOption{WithFinderLogger(s.logger)}
	if s.fsys != nil {
		finderOpts = append(finderOpts, WithFS(s.fsys))
	}
	res, err := NewFinder(s.cfg.Dir, finderOpts...).Find(s.cfg.Requested)
	if err != nil {
		return err
	}

	for _, m := range res.Manifests {
		if missing := s.missingRequirements(res.Requires[m.Name]); len(missing) > 0 {
			s.logger.WarnContext(ctx, "skipping plugin with unloaded dependencies",
				"plugin", m.Name,
				"missing", missing)
			recordLoad(resultSkipped)
			continue
		}
		if err := s.loadOne(ctx, m); err != nil {
			errutil.LogError(s.logger, "failed to load plugin", err)
			recordLoad(resultFailed)
			continue
		}
		recordLoad(resultOK)
	}

	s.mu.Lock()
	s.loaded = true
	count := len(s.records)
	s.mu.Unlock()
	PluginsLoaded.Set(float64(count))

	s.dispatcher.Send(&plugin.PluginsLoadedEvent{Plugins: s.Plugins()})
	s.logger.InfoContext(ctx, "plugins loaded",
		"dir", s.cfg.Dir,
		"loaded", count,
		"rejected", len(res.Diagnostics))
	s.status.Set(true)
	return nil
}

func (s *Server) missingRequirements(requires []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, name := range requires {
		if _, ok := s.byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (s *Server) loadOne(ctx context.Context, m *plugin.Manifest) error {
	host := &plugin.Host{
		Dispatcher: s.dispatcher,
		Logger:     s.logger.With("plugin", m.Name),
		Manifest:   m,
		Plugins:    s,
	}
	rec, err := OpenRecord(ctx, m, host, s.opener)
	if err != nil {
		return err
	}

	if a, ok := As[plugin.Attacher](rec); ok {
		if err := guard(func() error { return a.OnAttach(host) }); err != nil {
			if cerr := rec.Close(); cerr != nil {
				errutil.LogError(s.logger, "failed to close plugin after attach error", cerr)
			}
			return oops.In("server").
				Code("PLUGIN_ATTACH_FAILED").
				With("plugin", m.Name).
				Wrapf(err, "plugin %s failed to attach", m.Name)
		}
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.byName[m.Name] = rec
	s.mu.Unlock()

	if h, ok := As[plugin.MessageHandler](rec); ok {
		id := s.dispatcher.Register(h.OnMessage)
		s.mu.Lock()
		s.handlers[m.Name] = id
		s.mu.Unlock()
	}
	if l, ok := As[plugin.Logger](rec); ok && s.sink != nil {
		rec.Acquire()
		s.sink.Attach(l)
		s.mu.Lock()
		s.sunk[m.Name] = l
		s.mu.Unlock()
	}

	s.logger.InfoContext(ctx, "loaded plugin",
		"plugin", m.Name,
		"version", m.Version,
		"linkage", string(m.Linkage))
	s.dispatcher.Send(&plugin.PluginLoadedEvent{Manifest: m, Plugin: rec.Plugin()})
	return nil
}

// Plugins returns the loaded plugins in load order.
func (s *Server) Plugins() []plugin.Plugin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plugin.Plugin, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Plugin())
	}
	return out
}

// Records returns the loaded records in load order.
func (s *Server) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Get returns the record for a loaded plugin.
func (s *Server) Get(name string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byName[name]
	return rec, ok
}

// Acquire returns a loaded plugin and takes a reference on it. The
// release func drops the reference and may be called more than once.
func (s *Server) Acquire(name string) (plugin.Plugin, func(), bool) {
	rec, ok := s.Get(name)
	if !ok {
		return nil, func() {}, false
	}
	rec.Acquire()
	var once sync.Once
	return rec.Plugin(), func() { once.Do(rec.Release) }, true
}

// Lookup returns the loaded plugins implementing T, in load order.
func Lookup[T any](s *Server) []T {
	var out []T
	for _, rec := range s.Records() {
		if v, ok := As[T](rec); ok {
			out = append(out, v)
		}
	}
	return out
}

// Ready reports whether a plugin set is loaded and not being torn down.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded && !s.unloading.Load()
}

// Update forwards one loop tick to every Updater plugin in load order.
func (s *Server) Update(dt time.Duration) {
	for _, rec := range s.Records() {
		u, ok := As[plugin.Updater](rec)
		if !ok {
			continue
		}
		if err := guard(func() error { u.OnUpdate(dt); return nil }); err != nil {
			s.logger.Error("plugin update failed", "plugin", rec.Name(), "error", err)
		}
	}
}

// Unload tears the plugin set down in reverse load order, loggers last.
// Every plugin is destroyed; plugins still referenced elsewhere are
// reported in the returned error.
func (s *Server) Unload(ctx context.Context) error {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.unloading.Store(true)
	stack := slices.Clone(s.records)
	s.mu.Unlock()
	defer s.unloading.Store(false)

	// Loggers go to the bottom of the stack so they are popped last.
	slices.SortStableFunc(stack, func(a, b *Record) int {
		_, la := As[plugin.Logger](a)
		_, lb := As[plugin.Logger](b)
		switch {
		case la == lb:
			return 0
		case la:
			return -1
		default:
			return 1
		}
	})

	plugins := make([]plugin.Plugin, 0, len(stack))
	for _, rec := range stack {
		plugins = append(plugins, rec.Plugin())
	}
	s.dispatcher.Send(&plugin.PluginsUnloadedEvent{Plugins: plugins})

	var errs []error
	for len(stack) > 0 {
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if err := s.destroy(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.records = nil
	s.byName = make(map[string]*Record)
	s.loaded = false
	s.mu.Unlock()
	PluginsLoaded.Set(0)

	s.logger.InfoContext(ctx, "plugins unloaded", "count", len(plugins))
	s.status.Set(false)
	return errors.Join(errs...)
}

func (s *Server) destroy(ctx context.Context, rec *Record) error {
	name := rec.Name()
	s.dispatcher.Send(&plugin.PluginUnloadedEvent{Manifest: rec.Manifest(), Plugin: rec.Plugin()})

	if d, ok := As[plugin.Detacher](rec); ok {
		if err := guard(func() error { d.OnDetach(); return nil }); err != nil {
			s.logger.ErrorContext(ctx, "plugin detach failed", "plugin", name, "error", err)
		}
	}

	s.mu.Lock()
	id, hasHandler := s.handlers[name]
	delete(s.handlers, name)
	l, sunk := s.sunk[name]
	delete(s.sunk, name)
	s.mu.Unlock()

	if hasHandler {
		s.dispatcher.Deregister(id)
	}
	if sunk {
		s.sink.Detach(l)
		rec.Release()
	}

	var leak error
	if refs := rec.Refs(); refs != 1 {
		leak = oops.In("server").
			Code("PLUGIN_STILL_IN_USE").
			With("plugin", name).
			With("refs", refs).
			Hint("release every reference to the plugin before shutting down").
			Errorf("plugin %s is still in use (%d references)", name, refs)
		errutil.LogError(s.logger, "plugin is still in use", leak)
		recordUnload(resultLeaked)
	} else {
		recordUnload(resultOK)
	}

	s.logger.InfoContext(ctx, "unloading plugin", "plugin", name)
	if err := rec.Close(); err != nil {
		errutil.LogError(s.logger, "failed to unload plugin", err)
		recordUnload(resultFailed)
	}
	return leak
}

// Reload unloads the current set and loads it again from the same
// directory.
func (s *Server) Reload(ctx context.Context) error {
	unloadErr := s.Unload(ctx)

	var loadErr error
	if s.reloadRetries == 0 {
		loadErr = s.Load(ctx)
	} else {
		b := retry.WithMaxRetries(s.reloadRetries, retry.NewExponential(s.reloadBackoff))
		loadErr = retry.Do(ctx, b, func(ctx context.Context) error {
			if err := s.Load(ctx); err != nil {
				if errutil.HasCode(err, "SERVER_ALREADY_LOADED") {
					return err
				}
				s.logger.WarnContext(ctx, "plugin reload failed, retrying", "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
	}
	return errors.Join(unloadErr, loadErr)
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
