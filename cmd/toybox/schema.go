// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	hostplugin "github.com/toybox/toybox/internal/plugin"
)

// NewSchemaCmd creates the schema subcommand.
func NewSchemaCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON Schema",
		Long: `Print the JSON Schema that .meta and .plugin manifests are validated
against. Editors can use it for completion and inline validation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchema(cmd, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the schema to this file instead of stdout")

	return cmd
}

func runSchema(cmd *cobra.Command, output string) error {
	schema, err := hostplugin.GenerateSchema()
	if err != nil {
		return err
	}
	if output == "" {
		cmd.Println(string(schema))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return oops.In("cli").With("path", output).Wrapf(err, "failed to create directory")
	}
	if err := os.WriteFile(output, schema, 0o600); err != nil {
		return oops.In("cli").With("path", output).Wrapf(err, "failed to write schema")
	}
	cmd.Printf("Generated %s\n", output)
	return nil
}
