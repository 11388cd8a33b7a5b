package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hostpilot/warden/pkg/fault"
)

// schemaSources declares the payload schema per endpoint. Validation runs
// before policy: a malformed payload is a 400, never a policy decision.
var schemaSources = map[string]string{
	"/click": `{
		"type": "object",
		"properties": {
			"x": {"type": "integer", "minimum": 0},
			"y": {"type": "integer", "minimum": 0},
			"button": {"enum": ["left", "right", "middle"]},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["x", "y"],
		"additionalProperties": false
	}`,
	"/type": `{
		"type": "object",
		"properties": {
			"text": {"type": "string"},
			"interval": {"type": "number", "minimum": 0},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`,
	"/press": `{
		"type": "object",
		"properties": {
			"keys": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["keys"],
		"additionalProperties": false
	}`,
	"/open_app": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["name"],
		"additionalProperties": false
	}`,
	"/run_applescript": `{
		"type": "object",
		"properties": {
			"script": {"type": "string", "minLength": 1},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["script"],
		"additionalProperties": false
	}`,
	"/run_shortcut": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["name"],
		"additionalProperties": false
	}`,
	"/ocr": `{
		"type": "object",
		"properties": {
			"x": {"type": "integer", "minimum": 0},
			"y": {"type": "integer", "minimum": 0},
			"width": {"type": "integer", "minimum": 1},
			"height": {"type": "integer", "minimum": 1},
			"require_confirm": {"type": "boolean"}
		},
		"dependentRequired": {
			"x": ["y", "width", "height"]
		},
		"additionalProperties": false
	}`,
	"/ax/snapshot": `{
		"type": "object",
		"properties": {
			"scope": {"type": "string"},
			"max_depth": {"type": "integer", "minimum": 1}
		},
		"additionalProperties": false
	}`,
	"/ax/search": `{
		"type": "object",
		"properties": {
			"generation": {"type": "integer", "minimum": 1},
			"query": {"type": "string"},
			"role": {"type": "string"}
		},
		"required": ["generation"],
		"additionalProperties": false
	}`,
	"/ax/action": `{
		"type": "object",
		"properties": {
			"handle_id": {"type": "string", "minLength": 1},
			"action": {"enum": ["click", "set_value", "focus"]},
			"button": {"enum": ["left", "right", "middle"]},
			"value": {"type": "string"},
			"require_confirm": {"type": "boolean"}
		},
		"required": ["handle_id", "action"],
		"additionalProperties": false
	}`,
	"/session/override": `{
		"type": "object",
		"properties": {
			"endpoint": {"type": "string", "pattern": "^/"},
			"mode": {"enum": ["allow", "deny"]}
		},
		"required": ["endpoint", "mode"],
		"additionalProperties": false
	}`,
	"/session/confirm": `{
		"type": "object",
		"properties": {
			"request_id": {"type": "string", "minLength": 1},
			"endpoint": {"type": "string", "pattern": "^/"},
			"payload": {"type": "object"}
		},
		"required": ["request_id", "endpoint", "payload"],
		"additionalProperties": false
	}`,
	"/session/deny": `{
		"type": "object",
		"properties": {
			"request_id": {"type": "string", "minLength": 1}
		},
		"required": ["request_id"],
		"additionalProperties": false
	}`,
}

// Validator holds the compiled per-endpoint payload schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every schema eagerly so a bad schema fails startup.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaSources))}
	for endpoint, src := range schemaSources {
		name := strings.ReplaceAll(strings.TrimPrefix(endpoint, "/"), "/", "_") + ".json"
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("api: schema for %s: %w", endpoint, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("api: schema for %s: %w", endpoint, err)
		}
		v.schemas[endpoint] = schema
	}
	return v, nil
}

// Validate checks the decoded payload against the endpoint's schema.
// Endpoints without a registered schema accept any object.
func (v *Validator) Validate(endpoint string, payload map[string]any) error {
	schema, ok := v.schemas[endpoint]
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	// The payload is plain decoded JSON, which is what the validator
	// operates on.
	if err := schema.Validate(any(payload)); err != nil {
		return fault.Wrap(fault.KindBadRequest, "payload failed validation", err)
	}
	return nil
}
