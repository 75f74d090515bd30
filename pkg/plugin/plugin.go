// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package plugin is the SDK for Toybox plugins.
//
// A plugin is produced by a Load entry point and destroyed by the matching
// Unload entry point of the same binary. Everything else is optional: a
// plugin opts into lifecycle callbacks and host capabilities by
// implementing the interfaces below.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/toybox/toybox/pkg/message"
)

// Plugin is the value returned by a Load entry point.
type Plugin interface {
	Name() string
}

// Host is what the host hands to a plugin at load time. Plugins keep only
// the references they are given here.
type Host struct {
	Dispatcher message.Dispatcher
	Logger     *slog.Logger
	Manifest   *Manifest
	Plugins    Directory
}

// Directory gives plugins counted access to other loaded plugins. Every
// acquired plugin must be released before the host unloads the set;
// references still held at that point are reported as leaks.
type Directory interface {
	Acquire(name string) (p Plugin, release func(), ok bool)
}

// LoadFunc constructs a plugin instance.
type LoadFunc func(host *Host) (Plugin, error)

// UnloadFunc destroys an instance produced by the LoadFunc of the same
// binary.
type UnloadFunc func(p Plugin)

// Entry point symbol names.
const (
	LoadSymbol   = "Load"
	UnloadSymbol = "Unload"
)

// Attacher is called once after the plugin is loaded and wired.
type Attacher interface {
	OnAttach(host *Host) error
}

// Detacher is called once right before the plugin is destroyed.
type Detacher interface {
	OnDetach()
}

// Updater is called on every host loop tick while attached.
type Updater interface {
	OnUpdate(dt time.Duration)
}

// MessageHandler receives every message on the bus.
type MessageHandler interface {
	OnMessage(m message.Message)
}

// Logger plugins receive the host's log records. They are loaded first and
// unloaded last.
type Logger interface {
	Plugin
	Log(ctx context.Context, r slog.Record)
}

// Window is an opaque handle to a platform window.
type Window interface {
	Title() string
	Size() (width, height int)
	Close() error
}

// WindowFactory plugins create platform windows.
type WindowFactory interface {
	Plugin
	CreateWindow(title string, width, height int) (Window, error)
}

// Renderer draws into a window.
type Renderer interface {
	Render(dt time.Duration) error
	Close() error
}

// RendererFactory plugins create renderers bound to a window.
type RendererFactory interface {
	Plugin
	CreateRenderer(w Window) (Renderer, error)
}

// InputHandler plugins report input device state.
type InputHandler interface {
	Plugin
	KeyDown(key string) bool
}

// AssetLoader plugins load assets of the listed kinds.
type AssetLoader interface {
	Plugin
	CanLoad(kind, path string) bool
	LoadAsset(ctx context.Context, kind, path string) (any, error)
}
