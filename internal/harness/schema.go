package harness

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func scenarioSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Scenario"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateSchema checks raw YAML against the scenario schema.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("scenario is empty")
	}

	ctx, def, err := scenarioSchema()
	if err != nil {
		return err
	}
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("scenario does not match schema: %s", errors.Details(err, nil))
	}
	return nil
}
