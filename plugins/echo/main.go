// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

// Package main implements an echo plugin for Toybox.
// It answers every "say" message with an "echo" message carrying the
// same text.
//
// Build it next to its manifest:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"fmt"

	"github.com/toybox/toybox/pkg/pluginsdk"
)

type echo struct {
	pluginsdk.Base
	name string
}

func (e *echo) Attach(name string) (pluginsdk.Reply, error) {
	e.name = name
	return pluginsdk.Reply{}, nil
}

func (e *echo) HandleMessage(env pluginsdk.Envelope) (pluginsdk.Reply, error) {
	if env.Name != "say" || env.Source == e.name {
		return pluginsdk.Reply{}, nil
	}
	text, _ := env.Data["text"].(string)
	return pluginsdk.Reply{
		Handled: true,
		Emit: []pluginsdk.Envelope{{
			Name: "echo",
			Data: map[string]any{
				"text": fmt.Sprintf("Echo: %s", text),
				"from": env.Source,
			},
		}},
	}, nil
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Handler: &echo{}})
}
