// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/toybox/toybox/internal/bus"
	"github.com/toybox/toybox/internal/config"
	"github.com/toybox/toybox/internal/logging"
	"github.com/toybox/toybox/internal/observability"
	hostplugin "github.com/toybox/toybox/internal/plugin"
	"github.com/toybox/toybox/internal/plugin/capability"
	"github.com/toybox/toybox/internal/plugin/goplugin"
	"github.com/toybox/toybox/internal/plugin/hostfunc"
	pluginlua "github.com/toybox/toybox/internal/plugin/lua"
	"github.com/toybox/toybox/internal/wasm"
	"github.com/toybox/toybox/pkg/errutil"
)

// serviceName tags every log record.
const serviceName = "toybox"

// shutdownTimeout bounds stopping the observability server.
const shutdownTimeout = 5 * time.Second

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"plugins-dir":  config.KeyPluginsDir,
	"plugin":       config.KeyPluginsRequested,
	"tick":         config.KeyTick,
	"watch":        config.KeyWatch,
	"metrics-addr": config.KeyMetricsAddr,
	"log-format":   config.KeyLogFormat,
	"log-level":    config.KeyLogLevel,
	"call-timeout": config.KeyCallTimeout,
}

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the plugin set and run the host loop",
		Long: `Load every plugin under the plugins directory (or only the requested
ones and their dependencies), then update plugins and process the
message bus once per tick until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	cmd.Flags().String("plugins-dir", "", "plugins directory (default: XDG_DATA_HOME/toybox/plugins)")
	cmd.Flags().StringSlice("plugin", nil, "plugin name, type or glob pattern to load (repeatable; default: all)")
	cmd.Flags().Duration("tick", config.DefaultTick, "host loop tick interval")
	cmd.Flags().Bool("watch", false, "reload plugins when the plugins directory changes")
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", config.DefaultLogFormat, "log format (json or text)")
	cmd.Flags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().Duration("call-timeout", config.DefaultCallTimeout, "timeout for each call into a process plugin")

	return cmd
}

// loadConfig reads the configuration for cmd, honouring --config and the
// command's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, oops.In("cli").Wrapf(err, "failed to read --config")
	}
	return config.Load(config.Options{
		File:     file,
		Flags:    cmd.Flags(),
		FlagKeys: flagKeys,
	})
}

// runWithDeps runs the host with injectable dependencies.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *RunDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &RunDeps{}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, regs ...observability.Registration) ObservabilityServer {
			return observability.NewServer(addr, ready, regs...)
		}
	}
	if deps.WatcherFactory == nil {
		deps.WatcherFactory = func(dir string, logger *slog.Logger) (Watcher, error) {
			return newDirWatcher(dir, defaultDebounce, logger)
		}
	}
	if deps.ClientFactory == nil {
		deps.ClientFactory = &goplugin.DefaultClientFactory{Output: cmd.ErrOrStderr()}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	pluginLevel, err := logging.ParseLevel(cfg.Log.PluginLevel)
	if err != nil {
		return err
	}
	sink := logging.NewPluginSink(pluginLevel)
	logger := logging.Setup(serviceName, version, cfg.Log.Format, cmd.ErrOrStderr(),
		logging.WithLevel(level),
		logging.WithSink(sink))

	logger.Info("starting toybox",
		"plugins_dir", cfg.Plugins.Dir,
		"requested", cfg.Plugins.Requested,
		"tick", cfg.Loop.Tick)

	coordinator := bus.New(bus.WithLogger(logger))
	installRuntimes(capability.NewEnforcer(), cfg, deps.ClientFactory)

	server := hostplugin.NewServer(
		hostplugin.ServerConfig{Dir: cfg.Plugins.Dir, Requested: cfg.Plugins.Requested},
		hostplugin.WithDispatcher(coordinator),
		hostplugin.WithLogger(logger),
		hostplugin.WithLogSink(sink),
		hostplugin.WithReloadRetries(cfg.Plugins.ReloadRetries, cfg.Plugins.ReloadBackoff),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metrics  *observability.Metrics
		obsErrCh <-chan error
	)
	if cfg.Metrics.Addr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, server.Ready,
			bus.RegisterMetrics, hostplugin.RegisterMetrics)
		obsErrCh, err = obsServer.Start()
		if err != nil {
			return oops.In("cli").With("addr", cfg.Metrics.Addr).Wrapf(err, "failed to start observability server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := obsServer.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}()
		metrics = obsServer.Metrics()
	} else {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	if err := server.Load(ctx); err != nil {
		return err
	}
	defer func() {
		if err := server.Unload(context.WithoutCancel(ctx)); err != nil {
			errutil.LogError(logger, "plugins did not unload cleanly", err)
		}
		// Anything still queued refers to plugins that are gone.
		coordinator.Clear()
	}()

	var reload <-chan struct{}
	if cfg.Watch {
		watcher, err := deps.WatcherFactory(cfg.Plugins.Dir, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warn("error closing plugin watcher", "error", err)
			}
		}()
		reload = watcher.Events()
		logger.Info("watching plugins directory", "dir", cfg.Plugins.Dir)
	}

	cmd.Println("Toybox started")
	loop := &hostLoop{
		server:      server,
		coordinator: coordinator,
		metrics:     metrics,
		logger:      logger,
		tick:        cfg.Loop.Tick,
	}
	err = loop.run(ctx, reload, obsErrCh)
	logger.Info("shutting down")
	return err
}

// installRuntimes registers the script, WebAssembly and process
// linkages. They share one capability enforcer.
func installRuntimes(enforcer *capability.Enforcer, cfg *config.Config, clients goplugin.ClientFactory) {
	pluginlua.NewRuntime(nil, hostfunc.New(enforcer)).Install()
	wasm.NewRuntime(enforcer).Install()

	process := goplugin.NewRuntimeWithFactory(enforcer, clients)
	process.SetCallTimeout(cfg.Plugins.CallTimeout)
	process.Install()
}

// hostLoop drives plugins and the bus on a fixed tick.
type hostLoop struct {
	server      *hostplugin.Server
	coordinator *bus.Coordinator
	metrics     *observability.Metrics
	logger      *slog.Logger
	tick        time.Duration
}

// run ticks until ctx is done or the observability server fails. A value
// on reload reloads the plugin set.
func (l *hostLoop) run(ctx context.Context, reload <-chan struct{}, obsErr <-chan error) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			l.step(dt)
		case _, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			l.logger.Info("plugins directory changed, reloading")
			err := l.server.Reload(ctx)
			l.metrics.RecordReload(err)
			if err != nil {
				errutil.LogError(l.logger, "plugin reload failed", err)
			}
			last = time.Now()
		case err, ok := <-obsErr:
			if !ok {
				obsErr = nil
				continue
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return oops.In("cli").Wrapf(err, "observability server failed")
			}
		}
	}
}

// step runs one tick: plugins update, then the bus drains.
func (l *hostLoop) step(dt time.Duration) {
	start := time.Now()
	l.server.Update(dt)
	l.coordinator.Process()
	l.metrics.RecordTick(time.Since(start), l.tick)
}
