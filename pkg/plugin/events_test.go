// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybox/toybox/pkg/message"
	"github.com/toybox/toybox/pkg/plugin"
)

func TestNewEnvelope(t *testing.T) {
	ev := &plugin.ScriptEvent{Name: "ping", Source: "echo", Data: map[string]any{"n": 1.0}}
	ev.ID = message.NewID()

	env := plugin.NewEnvelope(ev)
	assert.Equal(t, ev.ID.String(), env.ID)
	assert.Equal(t, "ScriptEvent", env.Type)
	assert.Equal(t, "ping", env.Name)
	assert.Equal(t, "echo", env.Source)

	loaded := plugin.NewEnvelope(&plugin.PluginsLoadedEvent{})
	assert.Equal(t, "PluginsLoadedEvent", loaded.Type)
	assert.Empty(t, loaded.Name)
}

func TestEnvelope_EventRoundTrip(t *testing.T) {
	var env plugin.Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"name":"pong","source":"spoofed","data":{"n":2}}`), &env))

	ev := env.Event("wasm-echo")
	assert.Equal(t, "pong", ev.Name)
	assert.Equal(t, "wasm-echo", ev.Source, "the host decides the source")
	assert.InDelta(t, 2.0, ev.Data["n"], 0)
}
