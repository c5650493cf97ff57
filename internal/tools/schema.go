package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a descriptor's input schema. It returns nil
// and no error when the descriptor has no schema.
func compileSchema(d Descriptor) (*jsonschema.Schema, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(d.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	// Each tool gets its own compiler so one provider's $id values
	// cannot shadow another's.
	loc := "mem:///tools/" + url.PathEscape(d.Name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// decodeArguments parses raw tool arguments into the generic form the
// validator expects. Empty input is treated as an empty object.
func decodeArguments(args json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return map[string]any{}, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if _, ok := inst.(map[string]any); !ok {
		return nil, ErrInvalidArguments
	}
	return inst, nil
}
