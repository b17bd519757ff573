package exchange

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// serverMessageSchema constrains inbound server messages before they reach
// any handler. Every message needs a type; the built-in types additionally
// get their payload shapes checked so a malformed directive is rejected at
// the boundary instead of half-applied.
const serverMessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"operation-id": {"type": "integer"}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "package-ids"}}},
			"then": {
				"required": ["ids", "request-id"],
				"properties": {
					"request-id": {"type": "integer"},
					"ids": {
						"type": "array",
						"items": {"type": ["integer", "null"]}
					}
				}
			}
		},
		{
			"if": {"properties": {"type": {"const": "resynchronize"}}},
			"then": {
				"properties": {
					"scopes": {
						"type": ["array", "null"],
						"items": {"type": "string"}
					}
				}
			}
		},
		{
			"if": {"properties": {"type": {"const": "set-intervals"}}},
			"then": {
				"properties": {
					"exchange": {"type": "number", "exclusiveMinimum": 0},
					"urgent-exchange": {"type": "number", "exclusiveMinimum": 0}
				}
			}
		}
	]
}`

func compileServerMessageSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(serverMessageSchema))
	if err != nil {
		return nil, fmt.Errorf("parse server message schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("server-message.json", doc); err != nil {
		return nil, fmt.Errorf("register server message schema: %w", err)
	}
	schema, err := compiler.Compile("server-message.json")
	if err != nil {
		return nil, fmt.Errorf("compile server message schema: %w", err)
	}
	return schema, nil
}
