package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EmptyParams accepts only an empty params object.
const EmptyParams = `{"type":"object","additionalProperties":false}`

const schemaBase = "https://hostbridge.local/commands/"

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		schemaJSON = EmptyParams
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON for %s: %w", name, err)
	}
	url := schemaBase + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// normalizeParams re-encodes params into canonical JSON and the generic form
// the validator expects. Nil params become an empty object.
func normalizeParams(params map[string]any) (json.RawMessage, any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("decode params: %w", err)
	}
	return raw, inst, nil
}

// validationMessage drops the validator's header line and joins the causes.
func validationMessage(err error) string {
	lines := strings.Split(err.Error(), "\n")
	if len(lines) > 1 && strings.HasPrefix(lines[0], "jsonschema validation failed") {
		lines = lines[1:]
	}
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "; ")
}
