package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(id string, raw map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal options schema: %w", err)
	}

	url := id + ".options.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add options schema: %w", err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile options schema: %w", err)
	}
	return schema, nil
}

// ValidateOptions checks merged request options against the provider's
// options_schema. Providers without a schema accept anything.
func (p *Provider) ValidateOptions(options map[string]any) error {
	if p.schema == nil {
		return nil
	}

	// round-trip so the validator only sees JSON-decoded values
	b, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal options: %w", err)
	}

	if err := p.schema.Validate(v); err != nil {
		return fmt.Errorf("options do not match schema: %w", err)
	}
	return nil
}
