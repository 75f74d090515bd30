// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package pluginsdk provides the SDK for building out-of-process Toybox
// plugins.
//
// Process plugins talk to the host over net/rpc using the HashiCorp
// go-plugin framework. The host forwards lifecycle calls and bus messages;
// the plugin answers with envelopes it wants posted on the bus.
//
// Example usage:
//
//	package main
//
//	import "github.com/toybox/toybox/pkg/pluginsdk"
//
//	type echo struct{ pluginsdk.Base }
//
//	func (echo) HandleMessage(env pluginsdk.Envelope) (pluginsdk.Reply, error) {
//		if env.Name != "ping" {
//			return pluginsdk.Reply{}, nil
//		}
//		return pluginsdk.Reply{
//			Handled: true,
//			Emit:    []pluginsdk.Envelope{{Name: "pong", Data: env.Data}},
//		}, nil
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Handler: echo{}})
//	}
package pluginsdk

import (
	"context"
	"encoding/gob"
	"errors"
	"net/rpc"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/toybox/toybox/pkg/plugin"
)

// PluginName is the name the host dispenses.
const PluginName = "toybox"

// Envelope is a bus message as seen by a process plugin.
type Envelope = plugin.Envelope

// Reply is what a plugin returns for a lifecycle call or a message.
type Reply struct {
	// Handled marks the delivered message handled. Ignored for lifecycle
	// calls.
	Handled bool
	// Emit lists envelopes to post on the bus on the plugin's behalf.
	Emit []Envelope
}

// Handler is the interface that process plugins must implement. Embed
// Base to implement only the calls you need.
type Handler interface {
	Attach(name string) (Reply, error)
	Detach() error
	Update(dt time.Duration) (Reply, error)
	HandleMessage(env Envelope) (Reply, error)
}

// Base implements Handler with no-ops.
type Base struct{}

func (Base) Attach(string) (Reply, error)          { return Reply{}, nil }
func (Base) Detach() error                         { return nil }
func (Base) Update(time.Duration) (Reply, error)   { return Reply{}, nil }
func (Base) HandleMessage(Envelope) (Reply, error) { return Reply{}, nil }

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TOYBOX_PLUGIN",
	MagicCookieValue: "toybox",
}

func init() {
	// Envelope data is decoded from JSON-like values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Handler is the plugin implementation.
	// Required; Serve will panic if nil.
	Handler Handler
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Handler == nil {
		panic("pluginsdk: config.Handler cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginMap(config.Handler),
	})
}

// PluginMap is the plugin set served by a plugin process. The host passes
// PluginMap(nil).
func PluginMap(h Handler) map[string]hashiplug.Plugin {
	return map[string]hashiplug.Plugin{PluginName: &RPCPlugin{Impl: h}}
}

// RPCPlugin implements go-plugin's Plugin interface for net/rpc.
type RPCPlugin struct {
	// Impl is used by the plugin side only.
	Impl Handler
}

// Server returns the RPC server (called by the plugin process).
func (p *RPCPlugin) Server(*hashiplug.MuxBroker) (any, error) {
	if p.Impl == nil {
		return nil, errors.New("pluginsdk: handler is nil")
	}
	return &RPCServer{impl: p.Impl}, nil
}

// Client returns the RPC client (called by the host process).
func (p *RPCPlugin) Client(_ *hashiplug.MuxBroker, c *rpc.Client) (any, error) {
	return &RPCClient{client: c}, nil
}

// Argument types for the RPC methods.
type (
	AttachArgs struct {
		Name string
	}
	DetachArgs struct {
		Name string
	}
	UpdateArgs struct {
		DT time.Duration
	}
	MessageArgs struct {
		Envelope Envelope
	}
)

// RPCServer adapts a Handler to net/rpc.
type RPCServer struct {
	impl Handler
}

func (s *RPCServer) Attach(args AttachArgs, reply *Reply) error {
	r, err := s.impl.Attach(args.Name)
	*reply = r
	return err
}

func (s *RPCServer) Detach(_ DetachArgs, reply *Reply) error {
	*reply = Reply{}
	return s.impl.Detach()
}

func (s *RPCServer) Update(args UpdateArgs, reply *Reply) error {
	r, err := s.impl.Update(args.DT)
	*reply = r
	return err
}

func (s *RPCServer) Message(args MessageArgs, reply *Reply) error {
	r, err := s.impl.HandleMessage(args.Envelope)
	*reply = r
	return err
}

// RPCClient is the host's view of a plugin process.
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Attach(ctx context.Context, name string) (Reply, error) {
	var reply Reply
	if err := c.call(ctx, "Plugin.Attach", AttachArgs{Name: name}, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (c *RPCClient) Detach(ctx context.Context, name string) error {
	var reply Reply
	return c.call(ctx, "Plugin.Detach", DetachArgs{Name: name}, &reply)
}

func (c *RPCClient) Update(ctx context.Context, dt time.Duration) (Reply, error) {
	var reply Reply
	if err := c.call(ctx, "Plugin.Update", UpdateArgs{DT: dt}, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (c *RPCClient) Message(ctx context.Context, env Envelope) (Reply, error) {
	var reply Reply
	if err := c.call(ctx, "Plugin.Message", MessageArgs{Envelope: env}, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// call performs an RPC that gives up when ctx is done. The reply of an
// abandoned call is discarded.
func (c *RPCClient) call(ctx context.Context, method string, args, reply any) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}
