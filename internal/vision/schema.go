package vision

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Responses from the model are JSON but only nominally so; every payload is
// validated against a schema before anything downstream trusts it.

const structuredRowsSchema = `{
  "type": "object",
  "required": ["rows"],
  "properties": {
    "rows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["date", "description"],
        "properties": {
          "rownumber": {"type": ["string", "integer", "null"]},
          "date": {"type": "string"},
          "description": {"type": "string"},
          "debit": {"type": ["string", "number", "null"]},
          "credit": {"type": ["string", "number", "null"]},
          "balance": {"type": ["string", "number", "null"]},
          "bbox": {
            "type": "array",
            "items": {"type": "number"},
            "minItems": 4,
            "maxItems": 4
          }
        }
      }
    }
  }
}`

const tokensSchema = `{
  "type": "object",
  "required": ["words"],
  "properties": {
    "width": {"type": "number"},
    "height": {"type": "number"},
    "words": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text", "bbox"],
        "properties": {
          "text": {"type": "string"},
          "bbox": {
            "type": "array",
            "items": {"type": "number"},
            "minItems": 4,
            "maxItems": 4
          }
        }
      }
    }
  }
}`

type schemas struct {
	structuredRows *jsonschema.Schema
	tokens         *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("structured_rows.json", strings.NewReader(structuredRowsSchema)); err != nil {
		return nil, fmt.Errorf("add structured rows schema: %w", err)
	}
	if err := c.AddResource("tokens.json", strings.NewReader(tokensSchema)); err != nil {
		return nil, fmt.Errorf("add tokens schema: %w", err)
	}

	rows, err := c.Compile("structured_rows.json")
	if err != nil {
		return nil, fmt.Errorf("compile structured rows schema: %w", err)
	}
	tokens, err := c.Compile("tokens.json")
	if err != nil {
		return nil, fmt.Errorf("compile tokens schema: %w", err)
	}
	return &schemas{structuredRows: rows, tokens: tokens}, nil
}
