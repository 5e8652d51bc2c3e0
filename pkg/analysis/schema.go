package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	schemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	schemaOnce     sync.Once
	schemaMap      map[string]any
	compiledSchema *schemav6.Schema
	schemaErr      error
)

func buildSchema() {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		Anonymous:                 true,
	}
	reflected := reflector.Reflect(&ComprehensiveAnalysis{})

	raw, err := json.Marshal(reflected)
	if err != nil {
		schemaErr = fmt.Errorf("marshal analysis schema: %w", err)
		return
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		schemaErr = fmt.Errorf("decode analysis schema: %w", err)
		return
	}
	delete(m, "$schema")
	strictify(m)
	schemaMap = m

	compiler := schemav6.NewCompiler()
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		schemaErr = fmt.Errorf("decode schema document: %w", err)
		return
	}
	if err := compiler.AddResource("analysis.schema.json", doc); err != nil {
		schemaErr = fmt.Errorf("add schema resource: %w", err)
		return
	}
	compiledSchema, schemaErr = compiler.Compile("analysis.schema.json")
}

// strictify marks every property of every object required, as strict
// structured-output modes demand, recursing through properties and items.
func strictify(node map[string]any) {
	if props, ok := node["properties"].(map[string]any); ok {
		required := make([]string, 0, len(props))
		for name, prop := range props {
			required = append(required, name)
			if propMap, ok := prop.(map[string]any); ok {
				strictify(propMap)
			}
		}
		sort.Strings(required)
		node["required"] = required
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictify(items)
	}
}

// ResponseSchema returns the JSON schema the analysis model is constrained
// to, suitable for llms.Request.ResponseSchema.
func ResponseSchema() (map[string]any, error) {
	schemaOnce.Do(buildSchema)
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemaMap, nil
}

// Parse validates raw model output against the schema, decodes it, and
// applies the semantic checks (bounds, enums, DAG).
func Parse(raw []byte) (*ComprehensiveAnalysis, error) {
	schemaOnce.Do(buildSchema)
	if schemaErr != nil {
		return nil, schemaErr
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("analysis output is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("analysis output fails schema: %w", err)
	}

	var a ComprehensiveAnalysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode analysis output: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
