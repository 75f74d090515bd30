// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toybox/toybox/pkg/plugin"
)

var (
	schemaMu    sync.Mutex
	schemaCache *jschema.Schema
)

// GenerateSchema generates a JSON Schema from the manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&plugin.Manifest{})

	schema.ID = jsonschema.ID(GetSchemaID())
	schema.Title = "Toybox Plugin Manifest"
	schema.Description = "Schema for .meta and .plugin manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "failed to marshal schema")
	}
	return data, nil
}

// ValidateSchema validates manifest JSON against the generated schema.
// It is stricter than ParseManifest: unknown keys are rejected.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return oops.In("schema").Code("MANIFEST_INVALID").Errorf("manifest data is empty")
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return oops.In("schema").Code("MANIFEST_PARSE_FAILED").Wrapf(err, "invalid JSON")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return oops.In("schema").Code("MANIFEST_INVALID").Wrapf(err, "schema validation failed")
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if schemaCache != nil {
		return schemaCache, nil
	}

	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "failed to parse schema JSON")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(GetSchemaID(), doc); err != nil {
		return nil, oops.In("schema").Wrapf(err, "failed to add schema resource")
	}
	sch, err := c.Compile(GetSchemaID())
	if err != nil {
		return nil, oops.In("schema").Wrapf(err, "failed to compile schema")
	}
	schemaCache = sch
	return sch, nil
}

// ResetSchemaCache clears the cached schema. Used for testing.
func ResetSchemaCache() {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemaCache = nil
}

// GetSchemaID returns the schema $id manifests may reference.
func GetSchemaID() string {
	return "https://toybox.dev/schemas/plugin.schema.json"
}

// FormatSchemaError renders a validation error as one line per failed
// instance location. Errors that are not schema violations are returned
// as-is.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	var verr *jschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}

	var lines []string
	for _, unit := range verr.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		lines = append(lines, fmt.Sprintf("at '%s': %s", loc, unit.Error))
	}
	if len(lines) == 0 {
		return verr.Error()
	}
	return strings.Join(lines, "\n")
}
