package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry compiles and caches the CUE constraints attached to config
// items. A constraint is any CUE expression, e.g. `int & >=1 & <=1440` or
// `=~"^https?://"`.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// Compile checks that schema is a valid CUE expression and caches it.
func (sr *SchemaRegistry) Compile(schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	_, err := sr.compileLocked(schema)
	return err
}

func (sr *SchemaRegistry) compileLocked(schema string) (cue.Value, error) {
	if val, ok := sr.schemas[schema]; ok {
		return val, nil
	}

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile schema %q: %w", schema, err)
	}

	sr.schemas[schema] = val
	return val, nil
}

// Validate unifies value with schema and requires a concrete, conflict-free result.
// The returned error message is suitable for a ValidationError reason.
func (sr *SchemaRegistry) Validate(schema string, value interface{}) error {
	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	compiled, err := sr.compileLocked(schema)
	if err != nil {
		return err
	}

	dataVal := sr.ctx.Encode(value)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	unified := compiled.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("does not satisfy %s: %s", schema, firstError(err))
	}

	return nil
}

// firstError trims a CUE error list to its first message.
func firstError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}
