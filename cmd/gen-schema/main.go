// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema writes the JSON Schema for plugin.yaml descriptors.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/pluginbridge/internal/plugin"
)

func main() {
	out := pflag.StringP("out", "o", filepath.Join("schemas", "plugin.schema.json"), "output path")
	pflag.Parse()

	if err := generate(*out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *out)
}

// generate writes the descriptor schema to outPath, creating parent
// directories as needed.
func generate(outPath string) error {
	schema, err := plugin.GenerateSchema()
	if err != nil {
		return oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return oops.Code("SCHEMA_WRITE_FAILED").With("path", outPath).Wrap(err)
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return oops.Code("SCHEMA_WRITE_FAILED").With("path", outPath).Wrap(err)
	}
	return nil
}
