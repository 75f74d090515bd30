// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybox/toybox/internal/config"
	"github.com/toybox/toybox/internal/observability"
)

const greeterScript = `
function on_attach()
  toybox.log("info", "hello from lua")
end

function on_update(dt)
  if not posted then
    posted = true
    toybox.post("greeted", { who = "world" })
  end
end

function on_detach()
  toybox.log("info", "bye from lua")
end
`

const listenerScript = `
function on_message(msg)
  if msg.name == "greeted" and msg.source == "greeter" then
    toybox.log("info", "greeted " .. msg.data.who)
    return true
  end
  return false
end
`

// mockObservabilityServer records how it was created.
type mockObservabilityServer struct {
	ready    observability.ReadinessChecker
	regs     int
	errCh    chan error
	started  atomic.Bool
	stopped  atomic.Bool
	startErr error
	metrics  *observability.Metrics
}

func (m *mockObservabilityServer) Start() (<-chan error, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started.Store(true)
	return m.errCh, nil
}

func (m *mockObservabilityServer) Stop(context.Context) error {
	m.stopped.Store(true)
	return nil
}

func (m *mockObservabilityServer) Addr() string { return "127.0.0.1:0" }

func (m *mockObservabilityServer) Metrics() *observability.Metrics { return m.metrics }

// mockWatcher lets a test trigger reloads.
type mockWatcher struct {
	events chan struct{}
	closed atomic.Bool
}

func (w *mockWatcher) Events() <-chan struct{} { return w.events }

func (w *mockWatcher) Close() error {
	w.closed.Store(true)
	return nil
}

type runEnv struct {
	cfg     *config.Config
	out     *syncBuffer
	obs     *mockObservabilityServer
	watcher *mockWatcher
	deps    *RunDeps
}

func newRunEnv(t *testing.T) *runEnv {
	t.Helper()
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "greeter", "greeter.meta"),
		`{"name": "greeter", "version": "1.0.0", "linkage": "lua", "capabilities": ["bus.post"]}`)
	writeFile(t, filepath.Join(dir, "greeter", "greeter.lua"), greeterScript)
	writeFile(t, filepath.Join(dir, "listener", "listener.meta"),
		`{"name": "listener", "linkage": "lua", "dependencies": ["greeter"]}`)
	writeFile(t, filepath.Join(dir, "listener", "listener.lua"), listenerScript)

	e := &runEnv{
		cfg: &config.Config{
			Plugins: config.PluginsConfig{Dir: dir, CallTimeout: time.Second},
			Loop:    config.LoopConfig{Tick: 5 * time.Millisecond},
			Log:     config.LogConfig{Format: "json", Level: "debug", PluginLevel: "info"},
			Metrics: config.MetricsConfig{Addr: "127.0.0.1:0"},
		},
		out: &syncBuffer{},
		obs: &mockObservabilityServer{
			errCh:   make(chan error, 1),
			metrics: observability.NewMetrics(prometheus.NewRegistry()),
		},
		watcher: &mockWatcher{events: make(chan struct{}, 1)},
	}
	e.deps = &RunDeps{
		ObservabilityServerFactory: func(_ string, ready observability.ReadinessChecker, regs ...observability.Registration) ObservabilityServer {
			e.obs.ready = ready
			e.obs.regs = len(regs)
			return e.obs
		},
		WatcherFactory: func(string, *slog.Logger) (Watcher, error) {
			return e.watcher, nil
		},
	}
	return e
}

// start runs the host in the background and returns a function that
// stops it and returns its error.
func (e *runEnv) start(t *testing.T) func() error {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetOut(e.out)
	cmd.SetErr(e.out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWithDeps(ctx, e.cfg, cmd, e.deps) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				err = errors.New("host did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (e *runEnv) waitFor(t *testing.T, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(e.out.String(), text)
	}, 5*time.Second, 5*time.Millisecond, "waiting for %q in:\n%s", text, e.out.String())
}

func TestRun_Lifecycle(t *testing.T) {
	e := newRunEnv(t)
	stop := e.start(t)

	e.waitFor(t, "Toybox started")
	e.waitFor(t, "hello from lua")
	e.waitFor(t, "greeted world")
	assert.True(t, e.obs.started.Load())
	assert.Equal(t, 2, e.obs.regs)
	assert.True(t, e.obs.ready())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(e.obs.metrics.TicksTotal) > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	out := e.out.String()
	assert.Contains(t, out, "bye from lua")
	assert.Contains(t, out, "plugins unloaded")
	assert.True(t, e.obs.stopped.Load())
	assert.False(t, e.obs.ready())
}

func TestRun_ReloadOnChange(t *testing.T) {
	e := newRunEnv(t)
	e.cfg.Watch = true
	stop := e.start(t)

	e.waitFor(t, "watching plugins directory")
	e.watcher.events <- struct{}{}
	e.waitFor(t, "plugins directory changed, reloading")
	require.Eventually(t, func() bool {
		return strings.Count(e.out.String(), "hello from lua") == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.True(t, e.watcher.closed.Load())
}

func TestRun_MetricsDisabled(t *testing.T) {
	e := newRunEnv(t)
	e.cfg.Metrics.Addr = ""
	stop := e.start(t)

	e.waitFor(t, "hello from lua")
	require.NoError(t, stop())
	assert.False(t, e.obs.started.Load())
}

func TestRun_ObservabilityStartFails(t *testing.T) {
	e := newRunEnv(t)
	e.obs.startErr = errors.New("address in use")

	err := runWithDeps(context.Background(), e.cfg, &cobra.Command{}, e.deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}

func TestRun_ObservabilityFailureStopsHost(t *testing.T) {
	e := newRunEnv(t)
	stop := e.start(t)

	e.waitFor(t, "hello from lua")
	e.obs.errCh <- errors.New("listener closed")

	e.waitFor(t, "bye from lua")
	err := stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener closed")
}

func TestRun_WatcherFails(t *testing.T) {
	e := newRunEnv(t)
	e.cfg.Watch = true
	e.deps.WatcherFactory = func(string, *slog.Logger) (Watcher, error) {
		return nil, errors.New("no inotify")
	}

	err := runWithDeps(context.Background(), e.cfg, &cobra.Command{}, e.deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inotify")
}

func TestRun_InvalidConfig(t *testing.T) {
	e := newRunEnv(t)
	e.cfg.Loop.Tick = 0

	err := runWithDeps(context.Background(), e.cfg, &cobra.Command{}, e.deps)
	require.Error(t, err)
}

func TestDirWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := newDirWatcher(dir, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	// New subdirectories are watched too.
	sub := filepath.Join(dir, "greeter")
	require.NoError(t, os.Mkdir(sub, 0o750))
	waitEvent(t, w)

	writeFile(t, filepath.Join(sub, "greeter.meta"), `{"name": "greeter"}`)
	waitEvent(t, w)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestDirWatcher_MissingDir(t *testing.T) {
	_, err := newDirWatcher(filepath.Join(t.TempDir(), "missing"), time.Millisecond, nil)
	require.Error(t, err)
}

func waitEvent(t *testing.T, w Watcher) {
	t.Helper()
	select {
	case <-w.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watcher event")
	}
}
