// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/toybox/toybox/internal/observability"
	"github.com/toybox/toybox/internal/plugin/goplugin"
)

// RunDeps contains injectable dependencies for the run command.
// All fields with nil values will use their default implementations.
type RunDeps struct {
	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, regs ...observability.Registration) ObservabilityServer

	// WatcherFactory watches the plugins directory for changes.
	// Default: an fsnotify watcher over the directory tree
	WatcherFactory func(dir string, logger *slog.Logger) (Watcher, error)

	// ClientFactory starts process plugins.
	// Default: goplugin.DefaultClientFactory writing to the command's stderr
	ClientFactory goplugin.ClientFactory
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Watcher reports changes under the plugins directory. Each value on
// Events stands for one or more changes.
type Watcher interface {
	Events() <-chan struct{}
	Close() error
}
