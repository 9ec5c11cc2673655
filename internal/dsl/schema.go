package dsl

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"
)

func GetJSONSchema() string {
	return `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name", "version", "tests"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"version": {"type": "string", "enum": ["v1.0.0"]},
			"vars": {"type": "object"},
			"tests": {
				"type": "array",
				"items": {"$ref": "#/definitions/test"},
				"minItems": 1
			}
		},
		"additionalProperties": false,
		"definitions": {
			"test": {
				"type": "object",
				"required": ["name", "endpoint", "expectations", "steps"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"endpoint": {"type": "string", "minLength": 1},
					"timeout": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"},
					"browser": {
						"type": "object",
						"properties": {
							"type": {"type": "string", "enum": ["chromium", "firefox", "webkit"]},
							"headless": {"type": "boolean"},
							"slow_mo_ms": {"type": "integer", "minimum": 0},
							"args": {"type": "array", "items": {"type": "string"}}
						},
						"additionalProperties": false
					},
					"expectations": {
						"type": "array",
						"items": {"$ref": "#/definitions/expectation"},
						"minItems": 1
					},
					"steps": {
						"type": "array",
						"items": {"$ref": "#/definitions/step"},
						"minItems": 1
					}
				},
				"additionalProperties": false
			},
			"expectation": {
				"type": "object",
				"required": ["method"],
				"properties": {
					"name": {"type": "string"},
					"method": {"type": "string", "minLength": 1},
					"source": {"type": "string", "enum": ["query", "body"]},
					"param": {"type": "string"},
					"equals": {"type": "string"},
					"json": {},
					"jq": {"type": "string"},
					"expected": {},
					"script": {"type": "string"},
					"expr": {"type": "string"}
				},
				"oneOf": [
					{"required": ["equals"]},
					{"required": ["json"]},
					{"required": ["jq"]},
					{"required": ["script"]},
					{"required": ["expr"]}
				],
				"additionalProperties": false
			},
			"locator": {
				"type": "object",
				"properties": {
					"label": {"type": "string"},
					"role": {"type": "string"},
					"name": {"type": "string"},
					"placeholder": {"type": "string"},
					"text": {"type": "string"},
					"selector": {"type": "string"},
					"exact": {"type": "boolean"},
					"within": {"$ref": "#/definitions/locator"}
				},
				"additionalProperties": false
			},
			"step": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"name": {"type": "string"},
					"action": {"type": "string", "enum": ["goto", "click", "fill", "press", "wait"]},
					"url": {"type": "string"},
					"locator": {"$ref": "#/definitions/locator"},
					"value": {"type": "string"},
					"key": {"type": "string"},
					"duration": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}
				},
				"allOf": [
					{
						"if": {"properties": {"action": {"const": "goto"}}},
						"then": {"required": ["url"]}
					},
					{
						"if": {"properties": {"action": {"enum": ["click", "fill"]}}},
						"then": {"required": ["locator"]}
					},
					{
						"if": {"properties": {"action": {"const": "fill"}}},
						"then": {"required": ["value"]}
					},
					{
						"if": {"properties": {"action": {"const": "press"}}},
						"then": {"required": ["key"]}
					},
					{
						"if": {"properties": {"action": {"const": "wait"}}},
						"then": {"required": ["duration"]}
					}
				],
				"additionalProperties": false
			}
		}
	}`
}

// ValidateYAMLWithSchema validates a suite document against GetJSONSchema.
func ValidateYAMLWithSchema(yamlPayload []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(yamlPayload, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(GetJSONSchema())
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate against schema: %w", err)
	}

	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation failed:\n- %s", strings.Join(msgs, "\n- "))
	}

	return nil
}

// ValidateYAML runs the schema check and then the semantic checks of ParseYAML.
func ValidateYAML(yamlPayload []byte) (Suite, error) {
	if err := ValidateYAMLWithSchema(yamlPayload); err != nil {
		return Suite{}, err
	}
	return ParseYAML(yamlPayload)
}
