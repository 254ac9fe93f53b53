// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/pluginbridge/internal/protocol"
)

// SchemaID is the $id of the manifest schema; plugin.yaml files may point
// their yaml-language-server at it.
const SchemaID = "https://holomush.dev/schemas/pluginbridge/plugin.schema.json"

// ManifestSchema reflects Manifest and adds the format rules the bridge
// relies on: routable ids, the name pattern and non-empty entry points.
func ManifestSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "Plugin Bridge Plugin Manifest"
	s.Description = "Schema for plugin.yaml manifest files"

	nonEmpty := uint64(1)
	nameMax := uint64(maxNameLength)
	property(s, "id", func(p *jsonschema.Schema) {
		p.Pattern = protocol.PluginIDPattern
	})
	property(s, "name", func(p *jsonschema.Schema) {
		p.Pattern = namePattern.String()
		p.MaxLength = &nameMax
	})
	property(s, "dependencies", func(p *jsonschema.Schema) {
		if p.Items != nil {
			p.Items.Pattern = protocol.PluginIDPattern
		}
	})
	property(s, "activation-events", func(p *jsonschema.Schema) {
		if p.Items != nil {
			p.Items.MinLength = &nonEmpty
		}
	})
	property(s, "entry", func(entry *jsonschema.Schema) {
		property(entry, "backend", func(p *jsonschema.Schema) {
			p.MinLength = &nonEmpty
		})
	})
	return s
}

func property(s *jsonschema.Schema, name string, fn func(*jsonschema.Schema)) {
	if s.Properties == nil {
		return
	}
	if p, ok := s.Properties.Get(name); ok && p != nil {
		fn(p)
	}
}

// GenerateSchema returns the manifest schema as indented JSON.
func GenerateSchema() ([]byte, error) {
	data, err := json.MarshalIndent(ManifestSchema(), "", "  ")
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").Wrap(err)
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	data, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").Wrap(err)
	}
	return sch, nil
})

// ValidateSchema checks a plugin.yaml document against the manifest schema.
func ValidateSchema(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return oops.Code("MANIFEST_EMPTY").Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code("MANIFEST_INVALID_YAML").Wrap(err)
	}
	// yaml.v3 decodes string-keyed mappings as map[string]any, so a JSON
	// round trip yields the instance shape the validator expects.
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return oops.Code("MANIFEST_INVALID_YAML").Wrap(err)
	}
	instance, err := jschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return oops.Code("MANIFEST_INVALID_YAML").Wrap(err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return oops.Code("MANIFEST_SCHEMA_VIOLATION").
			With("violations", Violations(err)).
			Wrapf(err, "schema validation failed")
	}
	return nil
}

// Violations lists the leaf failures of a schema validation error, one
// "at '<pointer>': <reason>" entry each. Other errors yield their message.
func Violations(err error) []string {
	if err == nil {
		return nil
	}
	var ve *jschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jschema.ValidationError)
	walk = func(e *jschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// FormatSchemaError renders err for a single log line.
func FormatSchemaError(err error) string {
	return strings.Join(Violations(err), "; ")
}
