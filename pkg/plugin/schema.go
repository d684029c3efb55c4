// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Response kinds with a published schema.
const (
	SchemaActions = "actions"
	SchemaHelp    = "help"
)

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jschema.Schema{}
)

// SchemaID returns the $id of the schema for a response kind.
func SchemaID(kind string) string {
	return "https://trinity.holomush.dev/schemas/guest-" + kind + ".schema.json"
}

// GenerateSchema generates the JSON Schema guests' responses of the given
// kind must satisfy.
func GenerateSchema(kind string) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}

	var schema *jsonschema.Schema
	switch kind {
	case SchemaActions:
		schema = r.Reflect(&ActionsResponse{})
		schema.Title = "Trinity guest actions response"
		schema.Description = "Returned by the handle, admin and init entry points"
	case SchemaHelp:
		schema = r.Reflect(&HelpResponse{})
		schema.Title = "Trinity guest help response"
		schema.Description = "Returned by the help entry point"
	default:
		return nil, fmt.Errorf("unknown schema kind %q", kind)
	}
	schema.ID = jsonschema.ID(SchemaID(kind))

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateResponse validates a raw guest response against the schema of
// its kind.
func ValidateResponse(kind string, data []byte) error {
	sch, err := compiledSchema(kind)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema(kind string) (*jschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if sch, ok := schemaCache[kind]; ok {
		return sch, nil
	}

	schemaBytes, err := GenerateSchema(kind)
	if err != nil {
		return nil, err
	}

	var schemaData any
	if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}

	c := jschema.NewCompiler()
	if err := c.AddResource(kind+".json", schemaData); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := c.Compile(kind + ".json")
	if err != nil {
		return nil, err
	}

	schemaCache[kind] = sch
	return sch, nil
}
