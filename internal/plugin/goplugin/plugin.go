// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package goplugin

import (
	"io"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/toybox/toybox/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins we can dispense.
var PluginMap = pluginsdk.PluginMap(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the RPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(name, execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients. Plugin process
// output goes to Output, or stderr when nil.
type DefaultClientFactory struct {
	Output io.Writer
	Level  hclog.Level
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(name, execPath string) PluginClient {
	out := f.Output
	if out == nil {
		out = os.Stderr
	}
	level := f.Level
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath resolved from plugin manifest; manifests validated during discovery
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + name,
			Output: out,
			Level:  level,
		}),
	})
}
