package wire

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CheckToolSchema verifies that a tool parameter schema compiles as JSON
// Schema. Providers reject invalid schemas anyway; failing at ingress
// attributes the error to the request that carried it. An empty schema is
// allowed.
func CheckToolSchema(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return fmt.Errorf("schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
