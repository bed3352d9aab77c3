package lists

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const registrySchemaURL = "https://listmirror.invalid/schemas/lists.json"

const registrySchema = `{
  "type": "object",
  "required": ["lists"],
  "additionalProperties": false,
  "properties": {
    "lists": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["label", "rkey"],
        "additionalProperties": false,
        "properties": {
          "label": {"type": "string", "minLength": 1},
          "rkey": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9._:~-]+$"}
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

type registryFile struct {
	Lists []List `json:"lists"`
}

// LoadFile reads list definitions from a YAML or JSON document of the form
// {"lists": [{"label": "...", "rkey": "..."}]}.
func LoadFile(path string) ([]List, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("lists file %s: %w", path, err)
	}
	return defs, nil
}

func Parse(data []byte) ([]List, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(normalized); err != nil {
		return nil, err
	}
	var file registryFile
	if err := json.Unmarshal(normalized, &file); err != nil {
		return nil, err
	}
	return file.Lists, nil
}

// ParseInline reads "label=rkey,label=rkey" pairs.
func ParseInline(raw string) ([]List, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var defs []List
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		label, rkey, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: list entry %q is not label=rkey", ErrInvalidInput, pair)
		}
		defs = append(defs, List{Label: strings.TrimSpace(label), RecordKey: strings.TrimSpace(rkey)})
	}
	return defs, nil
}

// Build assembles the registry from an optional file and an optional inline value.
func Build(path, inline string) (*Registry, error) {
	var defs []List
	if strings.TrimSpace(path) != "" {
		fromFile, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, fromFile...)
	}
	fromInline, err := ParseInline(inline)
	if err != nil {
		return nil, err
	}
	defs = append(defs, fromInline...)
	return NewRegistry(defs)
}

func validateDocument(normalized []byte) error {
	schema, err := registrySchemaValidator()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func registrySchemaValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(registrySchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(registrySchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(registrySchemaURL)
	})
	return compiledSchema, schemaErr
}
