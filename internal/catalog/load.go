package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/studygraph/pkg/schema"
)

// catalogSchemaJSON is the JSON Schema for catalog files.
// Embedded as a constant to avoid filesystem dependencies.
const catalogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://studygraph.dev/schemas/catalog.json",
  "type": "object",
  "required": ["version", "categories", "commands"],
  "properties": {
    "version": { "type": "string", "minLength": 1 },
    "categories": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "commands": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/command" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "command": {
      "type": "object",
      "required": ["title", "category"],
      "properties": {
        "title": { "type": "string", "minLength": 1 },
        "category": { "type": "string", "minLength": 1 },
        "keywords": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "file": { "type": "string", "enum": ["in", "out"] }
            },
            "additionalProperties": false
          }
        },
        "rule": { "type": "string" },
        "produces": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "when": { "type": "string" },
              "type": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        "markers": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "macro": { "type": "boolean" },
        "starter": { "type": "boolean" },
        "deleter": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

var (
	fileSchemaOnce sync.Once
	fileSchema     *jsonschema.Schema
	fileSchemaErr  error
)

func compiledFileSchema() (*jsonschema.Schema, error) {
	fileSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchemaJSON))
		if err != nil {
			fileSchemaErr = fmt.Errorf("unmarshal catalog schema: %w", err)
			return
		}
		if err := c.AddResource("https://studygraph.dev/schemas/catalog.json", doc); err != nil {
			fileSchemaErr = fmt.Errorf("add catalog schema resource: %w", err)
			return
		}
		fileSchema, fileSchemaErr = c.Compile("https://studygraph.dev/schemas/catalog.json")
	})
	return fileSchema, fileSchemaErr
}

// catalogFile is the on-disk shape of a catalog.
type catalogFile struct {
	Version    string       `json:"version"`
	Categories []string     `json:"categories"`
	Commands   []Definition `json:"commands"`
}

// Load parses and validates a catalog file, compiles every mandatory rule
// and returns the immutable catalog.
func Load(data []byte) (*Catalog, error) {
	compiled, err := compiledFileSchema()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalog, "catalog schema unavailable").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalog, "catalog is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalog, "catalog file rejected").WithCause(err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, schema.NewError(schema.ErrCodeCatalog, "decode catalog").WithCause(err)
	}

	cat := &Catalog{
		version:    file.Version,
		defs:       make(map[string]*Definition, len(file.Commands)),
		categories: file.Categories,
		catOrder:   make(map[string]int, len(file.Categories)),
	}
	for i, name := range file.Categories {
		cat.catOrder[name] = i
	}

	for i := range file.Commands {
		def := &file.Commands[i]
		if _, dup := cat.defs[def.Title]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeCatalog, "duplicate command title %s", def.Title)
		}
		if _, known := cat.catOrder[def.Category]; !known {
			return nil, schema.NewErrorf(schema.ErrCodeCatalog,
				"command %s uses undeclared category %s", def.Title, def.Category)
		}
		def.order = cat.catOrder[def.Category]
		if err := compileRule(def); err != nil {
			return nil, err
		}
		cat.defs[def.Title] = def
	}

	return cat, nil
}
