// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"github.com/toybox/toybox/pkg/message"
)

// PluginLoadedEvent is sent after a plugin has been loaded and attached.
type PluginLoadedEvent struct {
	message.Event
	Manifest *Manifest
	Plugin   Plugin
}

// PluginsLoadedEvent is sent once the whole set has been loaded.
type PluginsLoadedEvent struct {
	message.Event
	Plugins []Plugin
}

// PluginUnloadedEvent is sent right before a plugin is detached and
// destroyed.
type PluginUnloadedEvent struct {
	message.Event
	Manifest *Manifest
	Plugin   Plugin
}

// PluginsUnloadedEvent is sent before teardown of the whole set begins.
type PluginsUnloadedEvent struct {
	message.Event
	Plugins []Plugin
}

// ScriptEvent is the message shape scripted and out-of-process plugins
// can produce and consume.
type ScriptEvent struct {
	message.Event
	Name   string         `json:"name"`
	Data   map[string]any `json:"data,omitempty"`
	Source string         `json:"source,omitempty"`
}

// Envelope is the serialised form of a message handed to plugins that
// live outside the Go runtime.
type Envelope struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type,omitempty"`
	Name   string         `json:"name"`
	Source string         `json:"source,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// NewEnvelope describes m. Only ScriptEvents carry a name and data.
func NewEnvelope(m message.Message) Envelope {
	e := Envelope{
		ID:   m.MessageHeader().ID.String(),
		Type: message.TypeName(m),
	}
	if ev, ok := m.(*ScriptEvent); ok {
		e.Name = ev.Name
		e.Source = ev.Source
		e.Data = ev.Data
	}
	return e
}

// Event converts an envelope produced by a plugin into a ScriptEvent
// attributed to source.
func (e Envelope) Event(source string) *ScriptEvent {
	return &ScriptEvent{Name: e.Name, Data: e.Data, Source: source}
}
