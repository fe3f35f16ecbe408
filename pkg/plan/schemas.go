package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for plan documents. The document schema
// is closed: any key the schema does not name is rejected.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry preloaded with the builtin plan,
// phase, and handler schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	builtins := map[string]string{
		"plan":    builtinPlanSchema,
		"phase":   builtinPhaseSchema,
		"handler": builtinHandlerSchema,
	}
	for name, def := range builtins {
		if err := r.RegisterSchema(name, def); err != nil {
			return nil, fmt.Errorf("failed to register builtin schema %s: %w", name, err)
		}
	}
	return r, nil
}

// RegisterSchema compiles and stores a named CUE schema.
func (r *SchemaRegistry) RegisterSchema(name, definition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileString(definition)
	if v.Err() != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, v.Err())
	}
	r.schemas[name] = v
	return nil
}

// GetSchema returns a previously registered schema.
func (r *SchemaRegistry) GetSchema(name string) (cue.Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.schemas[name]
	if !ok {
		return cue.Value{}, fmt.Errorf("schema not found: %s", name)
	}
	return v, nil
}

// ValidateAgainstSchema unifies data with a definition inside a registered
// schema and reports every violation as a ValidationError.
func (r *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName, definition string, data interface{}) error {
	schema, err := r.GetSchema(schemaName)
	if err != nil {
		return err
	}

	def := schema.LookupPath(cue.ParsePath(definition))
	if def.Err() != nil {
		return fmt.Errorf("definition %s not found in schema %s: %w", definition, schemaName, def.Err())
	}

	value := r.ctx.Encode(data)
	if value.Err() != nil {
		return fmt.Errorf("failed to encode data: %w", value.Err())
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ValidatePlanDocument checks a raw decoded document against the closed
// document schema.
func (r *SchemaRegistry) ValidatePlanDocument(ctx context.Context, doc interface{}) error {
	return r.ValidateAgainstSchema(ctx, "plan", "#Document", doc)
}

func convertCUEErrors(err error) error {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.Line = pos[0].Line()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return err
	}
	return out
}

const builtinPlanSchema = `
#Document: {
	plan?: {
		targetPhase?:         string
		defaultInstanceMode?: "immediate" | "onUse"
	}
	[!="plan"]: #Phase
}

#Phase: {
	description: string & !=""
	selector: {
		matchLabels: {[string]: string}
	}
	instanceMode?: "immediate" | "onUse"
	waitFor?: {
		phases:   [...string] & [_, ...]
		timeout?: (string & =~"^\\d+(ms|s|m|h)?$") | (int & >=0)
	}
	retry?: {
		maxAttempts: int & >=0
	}
	onFailure?: #Handler
	onSuccess?: #Handler
}

#Handler: {
	action?: "raise" | "continue"
	spec?: {
		message?: [...string]
		notify?: {
			email?: string & =~"^[^@\\s]+@[^@\\s]+$"
			slack?: string
		}
		labels?: {[string]: string}
	}
}
`

const builtinPhaseSchema = `
#Phase: {
	description: string & !=""
	...
}
`

const builtinHandlerSchema = `
#Handler: {
	action?: "raise" | "continue"
	...
}
`
