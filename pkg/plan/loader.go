package plan

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// reservedHeaderKey is the one top-level key that is not a phase.
const reservedHeaderKey = "plan"

// Loader parses, substitutes, and validates plan documents.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	lookup   LookupFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithLookup overrides the substitution variable source. The default is the
// process environment.
func WithLookup(lookup LookupFunc) Option {
	return func(l *Loader) {
		l.lookup = lookup
	}
}

// NewLoader creates a plan loader with the builtin schemas.
func NewLoader(opts ...Option) (*Loader, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	l := &Loader{
		schemas:  schemas,
		validate: validator.New(),
		lookup:   EnvLookup,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadFile reads and loads a plan document from disk.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	return l.Load(ctx, path, data)
}

// Load parses a plan document. Substitution runs on the raw text before
// parsing; schema validation runs against the substituted document; phases
// come out in declaration order.
func (l *Loader) Load(ctx context.Context, source string, data []byte) (*Plan, error) {
	substituted, err := Substitute(string(data), l.lookup)
	if err != nil {
		return nil, err
	}

	order, err := phaseOrder([]byte(substituted))
	if err != nil {
		return nil, err
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal([]byte(substituted), &generic); err != nil {
		return nil, asValidationErrors(fmt.Errorf("failed to parse plan document: %w", err))
	}
	if err := l.schemas.ValidatePlanDocument(ctx, generic); err != nil {
		return nil, err
	}

	var raw rawDocument
	dec := yaml.NewDecoder(bytes.NewReader([]byte(substituted)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, asValidationErrors(fmt.Errorf("failed to decode plan document: %w", err))
	}

	p := &Plan{
		Source: source,
		index:  make(map[string]*Phase, len(order)),
	}
	if raw.Header != nil {
		p.TargetPhase = raw.Header.TargetPhase
		p.DefaultInstanceMode = raw.Header.DefaultInstanceMode
	}
	if p.DefaultInstanceMode == "" {
		p.DefaultInstanceMode = InstanceModeImmediate
	}

	var errs ValidationErrors
	for _, id := range order {
		ph := raw.Phases[id]
		if ph == nil {
			ph = &Phase{}
		}
		ph.ID = id
		p.Phases = append(p.Phases, ph)
		p.index[id] = ph
		errs = append(errs, l.validatePhase(ph)...)
	}

	if raw.Header != nil {
		if raw.Header.DefaultInstanceMode != "" {
			if err := raw.Header.DefaultInstanceMode.Validate(); err != nil {
				errs = append(errs, ValidationError{Path: "plan.defaultInstanceMode", Message: err.Error()})
			}
		}
		if raw.Header.TargetPhase != "" {
			if _, ok := p.index[raw.Header.TargetPhase]; !ok {
				errs = append(errs, ValidationError{
					Path:    "plan.targetPhase",
					Message: fmt.Sprintf("target phase %q is not defined", raw.Header.TargetPhase),
				})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return p, nil
}

type rawDocument struct {
	Header *rawHeader        `yaml:"plan,omitempty"`
	Phases map[string]*Phase `yaml:",inline"`
}

type rawHeader struct {
	TargetPhase         string       `yaml:"targetPhase,omitempty"`
	DefaultInstanceMode InstanceMode `yaml:"defaultInstanceMode,omitempty"`
}

// phaseOrder walks the document's top-level mapping to recover declaration
// order, which map decoding discards, and to reject duplicate phase ids.
func phaseOrder(data []byte) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, asValidationErrors(fmt.Errorf("failed to parse plan document: %w", err))
	}
	if len(root.Content) == 0 {
		return nil, ValidationErrors{{Message: "plan document is empty"}}
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, ValidationErrors{{
			Line:    doc.Line,
			Message: "plan document must be a mapping of phase ids",
		}}
	}

	var (
		order []string
		seen  = make(map[string]int)
		errs  ValidationErrors
	)
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if prev, dup := seen[key.Value]; dup {
			errs = append(errs, ValidationError{
				Path:    key.Value,
				Line:    key.Line,
				Message: fmt.Sprintf("duplicate phase id (first defined at line %d)", prev),
			})
			continue
		}
		seen[key.Value] = key.Line
		if key.Value == reservedHeaderKey {
			continue
		}
		order = append(order, key.Value)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	if len(order) == 0 {
		return nil, ValidationErrors{{Message: "plan document defines no phases"}}
	}
	return order, nil
}

func (l *Loader) validatePhase(ph *Phase) ValidationErrors {
	var errs ValidationErrors

	if err := l.validate.Struct(ph); err != nil {
		errs = append(errs, translateValidatorErrors(ph.ID, err)...)
	}

	for _, h := range []struct {
		name    string
		handler *Handler
	}{
		{"onFailure", ph.OnFailure},
		{"onSuccess", ph.OnSuccess},
	} {
		if h.handler == nil || h.handler.Spec.Notify == nil {
			continue
		}
		n := h.handler.Spec.Notify
		if n.Email == "" && n.Slack == "" {
			errs = append(errs, ValidationError{
				Path:    ph.ID + "." + h.name + ".spec.notify",
				Message: "notify requires at least one of email or slack",
			})
		}
	}

	if ph.WaitFor != nil {
		seen := make(map[string]bool, len(ph.WaitFor.Phases))
		for _, dep := range ph.WaitFor.Phases {
			if dep == ph.ID {
				errs = append(errs, ValidationError{
					Path:    ph.ID + ".waitFor.phases",
					Message: "phase cannot wait for itself",
				})
			}
			if seen[dep] {
				errs = append(errs, ValidationError{
					Path:    ph.ID + ".waitFor.phases",
					Message: fmt.Sprintf("duplicate dependency %q", dep),
				})
			}
			seen[dep] = true
		}
	}

	return errs
}

// fieldSpelling maps Go struct field names back to their YAML spellings for
// error paths.
var fieldSpelling = map[string]string{
	"Description":         "description",
	"Selector":            "selector",
	"MatchLabels":         "matchLabels",
	"InstanceMode":        "instanceMode",
	"WaitFor":             "waitFor",
	"Phases":              "phases",
	"Timeout":             "timeout",
	"Retry":               "retry",
	"MaxAttempts":         "maxAttempts",
	"OnFailure":           "onFailure",
	"OnSuccess":           "onSuccess",
	"Action":              "action",
	"Spec":                "spec",
	"Message":             "message",
	"Notify":              "notify",
	"Email":               "email",
	"Slack":               "slack",
	"Labels":              "labels",
	"TargetPhase":         "targetPhase",
	"DefaultInstanceMode": "defaultInstanceMode",
}

func translateValidatorErrors(prefix string, err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if !asValidatorErrors(err, &verrs) {
		return ValidationErrors{{Path: prefix, Message: err.Error()}}
	}

	var out ValidationErrors
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    prefix + "." + yamlPath(fe.StructNamespace()),
			Message: fmt.Sprintf("failed %s validation", fe.Tag()),
		})
	}
	return out
}

// yamlPath drops the root struct segment of a validator namespace and
// rewrites each remaining segment to its YAML spelling.
func yamlPath(structNamespace string) string {
	parts := strings.Split(structNamespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		// Strip any index suffix like Phases[0].
		name := part
		if idx := strings.IndexByte(part, '['); idx >= 0 {
			name = part[:idx]
		}
		if spelled, ok := fieldSpelling[name]; ok {
			parts[i] = spelled + part[len(name):]
		}
	}
	return strings.Join(parts, ".")
}

func asValidatorErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func asValidationErrors(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(ValidationErrors); ok {
		return err
	}
	return ValidationErrors{{Message: err.Error()}}
}
