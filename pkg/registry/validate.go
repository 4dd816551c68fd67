package registry

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/turnstore/pkg/turns"
)

// compiledSchemas caches gojsonschema compilations of declared schemas.
var compiledSchemas sync.Map // map[*jsonschema.Schema]*gojsonschema.Schema

// ValidateToolInput checks a JSON value against the input schema of the tool.
func (r *Registry) ValidateToolInput(tool string, input any) error {
	spec, err := r.Tool(tool)
	if err != nil {
		return err
	}
	return validate(turns.ToolPartType(tool), "input", spec.InputSchema, input)
}

// ValidateToolOutput checks a JSON value against the output schema of the tool.
func (r *Registry) ValidateToolOutput(tool string, output any) error {
	spec, err := r.Tool(tool)
	if err != nil {
		return err
	}
	return validate(turns.ToolPartType(tool), "output", spec.OutputSchema, output)
}

// ValidateData checks the status and payload of a data part against its kind.
func (r *Registry) ValidateData(p turns.DataPart) error {
	v, err := r.Resolve(p.Type())
	if err != nil {
		return err
	}
	if !v.HasStatus(p.Status) {
		return &turns.InvalidPayloadError{
			Type:   p.Type(),
			Field:  "status",
			Reason: "undeclared status " + p.Status + " (declared: " + strings.Join(v.Data.Statuses, ", ") + ")",
		}
	}
	schema, ok := v.Data.Schemas[p.Status]
	if !ok {
		schema = v.Data.Schemas[""]
	}
	var payload any
	if p.Data != nil {
		payload = p.Data
	} else {
		payload = map[string]any{}
	}
	return validate(p.Type(), "data", schema, payload)
}

func validate(t turns.PartType, field string, schema *jsonschema.Schema, value any) error {
	if schema == nil {
		return nil
	}
	compiled, err := compile(schema)
	if err != nil {
		return &turns.InvalidPayloadError{Type: t, Field: field, Reason: "schema does not compile: " + err.Error()}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return &turns.InvalidPayloadError{Type: t, Field: field, Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, desc.String())
	}
	return &turns.InvalidPayloadError{Type: t, Field: field, Reason: strings.Join(descriptions, "; ")}
}

func compile(schema *jsonschema.Schema) (*gojsonschema.Schema, error) {
	if c, ok := compiledSchemas.Load(schema); ok {
		return c.(*gojsonschema.Schema), nil
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, err
	}
	compiledSchemas.Store(schema, c)
	return c, nil
}
