// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the JSON Schema files guest responses are
// validated against.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/holomush/trinity/pkg/plugin"
)

func main() {
	outDir := "schemas"
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, kind := range []string{plugin.SchemaActions, plugin.SchemaHelp} {
		schema, err := plugin.GenerateSchema(kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating %s schema: %v\n", kind, err)
			os.Exit(1)
		}

		outPath := filepath.Join(outDir, "guest-"+kind+".schema.json")
		if err := os.WriteFile(outPath, schema, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", outPath)
	}
}
