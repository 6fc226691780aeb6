package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	sv "github.com/santhosh-tekuri/jsonschema/v5"
)

const commandSchemaURL = "command.schema.json"

// CommandSchema returns the JSON schema of Command.
func CommandSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Command{})

	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return b, nil
}

// Validator checks raw messages against the command schema.
type Validator struct {
	schema *sv.Schema
}

// NewValidator compiles the command schema.
func NewValidator() (*Validator, error) {
	raw, err := CommandSchema()
	if err != nil {
		return nil, err
	}

	compiler := sv.NewCompiler()
	if err := compiler.AddResource(commandSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add command schema: %w", err)
	}
	schema, err := compiler.Compile(commandSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid command schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate decodes msg and checks it against the schema.
func (v *Validator) Validate(msg []byte) error {
	var doc any
	if err := json.Unmarshal(msg, &doc); err != nil {
		return fmt.Errorf("malformed command: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return nil
}
