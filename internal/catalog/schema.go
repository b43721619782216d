package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaDefs holds the shared table definition plus the two documents built
// from it: the per-round analysis payload printed by inspection code, and
// the persisted catalog document. Discovery output comes from generated code
// running against an arbitrary database, so shape errors are expected.
const schemaDefs = `{
  "$defs": {
    "table": {
      "type": "object",
      "required": ["table_name", "columns"],
      "properties": {
        "table_name": {"type": "string", "minLength": 1},
        "row_count": {"type": "integer", "minimum": 0},
        "columns": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "type": {"type": "string"},
              "nullable": {"type": "boolean"}
            }
          }
        },
        "primary_key": {"type": "array", "items": {"type": "string"}},
        "foreign_keys": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["referred_table", "constrained_columns", "referred_columns"],
            "properties": {
              "referred_table": {"type": "string", "minLength": 1},
              "constrained_columns": {"type": "array", "items": {"type": "string"}},
              "referred_columns": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "payload": {
      "type": "object",
      "required": ["tables"],
      "properties": {
        "schema": {"type": "string"},
        "database": {"type": "string"},
        "host": {"type": "string"},
        "tables": {"type": "array", "items": {"$ref": "#/$defs/table"}},
        "relationships": {"type": "array"}
      }
    },
    "document": {
      "type": "object",
      "required": ["database_type", "schema", "tables"],
      "properties": {
        "database_type": {"type": "string", "minLength": 1},
        "schema": {"type": "string", "minLength": 1},
        "database": {"type": "string"},
        "host": {"type": "string"},
        "tables": {"type": "array", "items": {"$ref": "#/$defs/table"}},
        "relationships": {"type": "array"}
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	documentSchema *jsonschema.Schema
	payloadSchema  *jsonschema.Schema
	compileErr     error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.schema.json", strings.NewReader(schemaDefs)); err != nil {
			compileErr = err
			return
		}
		if documentSchema, compileErr = c.Compile("catalog.schema.json#/$defs/document"); compileErr != nil {
			return
		}
		payloadSchema, compileErr = c.Compile("catalog.schema.json#/$defs/payload")
	})
	return documentSchema, payloadSchema, compileErr
}

func validate(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// ValidateDocument checks a raw catalog document against the schema. The
// returned error wraps the validator's path-qualified message.
func ValidateDocument(data []byte) error {
	doc, _, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}
	if err := validate(doc, data); err != nil {
		return fmt.Errorf("catalog document rejected: %w", err)
	}
	return nil
}

// ValidatePayload checks one round's raw analysis payload before it is
// trusted as a schema snapshot. A table with no columns, a foreign key with
// no target, or a negative row count all fail here.
func ValidatePayload(data []byte) error {
	_, pay, err := compiledSchemas()
	if err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}
	if err := validate(pay, data); err != nil {
		return fmt.Errorf("analysis payload rejected: %w", err)
	}
	return nil
}
