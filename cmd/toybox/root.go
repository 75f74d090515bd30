// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the Toybox CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toybox",
		Short: "Toybox - a plugin-driven application host",
		Long: `Toybox discovers plugins on disk, loads them in dependency order,
runs them on a fixed tick and connects them through a message bus.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().String("config", "", "config file path (default: XDG_CONFIG_HOME/toybox/toybox.yaml)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := cmd.Root().Version
			if v == "" {
				v = version
			}
			cmd.Println("toybox " + v)
		},
	}
}
