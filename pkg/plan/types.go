package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// InstanceMode controls when a phase's resources are materialized.
type InstanceMode string

const (
	// InstanceModeImmediate materializes the phase eagerly during application.
	InstanceModeImmediate InstanceMode = "immediate"

	// InstanceModeOnUse defers the phase until something external
	// dereferences it; the scheduler marks it deferred instead of applying.
	InstanceModeOnUse InstanceMode = "onUse"
)

// Validate checks if the instance mode is valid.
func (m InstanceMode) Validate() error {
	switch m {
	case InstanceModeImmediate, InstanceModeOnUse:
		return nil
	default:
		return fmt.Errorf("invalid instanceMode: %s", m)
	}
}

// HandlerAction is the closed abort-vs-continue decision of a failure handler.
type HandlerAction string

const (
	// ActionRaise marks the phase failure fatal to the whole reconciliation.
	ActionRaise HandlerAction = "raise"

	// ActionContinue degrades the phase but lets dependents proceed.
	ActionContinue HandlerAction = "continue"
)

// Validate checks if the handler action is valid.
func (a HandlerAction) Validate() error {
	switch a {
	case ActionRaise, ActionContinue:
		return nil
	default:
		return fmt.Errorf("invalid handler action: %s", a)
	}
}

// Plan is a validated, immutable plan document.
type Plan struct {
	// Source is the path or identifier the plan was loaded from. It becomes
	// the last_applied identity in persisted state.
	Source string

	// TargetPhase, when non-empty, restricts application to this phase and
	// its transitive dependencies.
	TargetPhase string

	// DefaultInstanceMode applies to phases that do not set instanceMode.
	DefaultInstanceMode InstanceMode

	// Phases holds every phase in declaration order.
	Phases []*Phase

	index map[string]*Phase
}

// Phase is a single named unit of the plan.
type Phase struct {
	// ID is the phase's map key in the document.
	ID string `yaml:"-"`

	// Description is a required human-readable summary.
	Description string `yaml:"description" validate:"required"`

	// Selector binds the phase to resources by label equality.
	Selector Selector `yaml:"selector" validate:"required"`

	// InstanceMode overrides the plan default when set.
	InstanceMode InstanceMode `yaml:"instanceMode,omitempty" validate:"omitempty,oneof=immediate onUse"`

	// WaitFor declares dependencies on other phases' terminal outcomes.
	WaitFor *WaitFor `yaml:"waitFor,omitempty"`

	// Retry bounds re-attempts of the phase's apply action.
	Retry *Retry `yaml:"retry,omitempty"`

	// OnFailure runs after a failed apply and decides abort-vs-continue.
	OnFailure *Handler `yaml:"onFailure,omitempty"`

	// OnSuccess runs after a successful apply; it has no abort semantics.
	OnSuccess *Handler `yaml:"onSuccess,omitempty"`
}

// Selector is a label-equality predicate. A resource matches iff it carries
// every listed key with the exact value.
type Selector struct {
	MatchLabels map[string]string `yaml:"matchLabels" validate:"required"`
}

// WaitFor declares the phases a phase depends on, with an optional bound on
// time spent waiting for them.
type WaitFor struct {
	Phases  []string `yaml:"phases" validate:"required,min=1,dive,required"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Retry configures bounded re-attempts. MaxAttempts resolves (after
// substitution) to a non-negative integer; 0 and an absent Retry both mean a
// single attempt with no retry.
type Retry struct {
	MaxAttempts int `yaml:"maxAttempts" validate:"gte=0"`
}

// Handler is the success/failure side-effect configuration.
type Handler struct {
	// Action is meaningful only for onFailure; absent means raise.
	Action HandlerAction `yaml:"action,omitempty" validate:"omitempty,oneof=raise continue"`

	Spec HandlerSpec `yaml:"spec"`
}

// HandlerSpec carries the handler's effects.
type HandlerSpec struct {
	// Message lines are emitted to the log collaborator in order.
	Message []string `yaml:"message,omitempty"`

	// Notify names an optional external notification target.
	Notify *Notify `yaml:"notify,omitempty"`

	// Labels are merged onto every resource bound to the phase.
	Labels map[string]string `yaml:"labels,omitempty"`
}

// Notify is a notification target. At least one field is set.
type Notify struct {
	Email string `yaml:"email,omitempty" validate:"omitempty,email"`
	Slack string `yaml:"slack,omitempty"`
}

// New assembles a plan from already-built phases, preserving their order.
// The loader is the usual entry point; New exists for programmatic
// construction.
func New(source string, phases ...*Phase) *Plan {
	p := &Plan{
		Source: source,
		index:  make(map[string]*Phase, len(phases)),
	}
	for _, ph := range phases {
		p.Phases = append(p.Phases, ph)
		p.index[ph.ID] = ph
	}
	return p
}

// Phase returns the phase with the given id.
func (p *Plan) Phase(id string) (*Phase, bool) {
	ph, ok := p.index[id]
	return ph, ok
}

// PhaseIDs returns all phase ids in declaration order.
func (p *Plan) PhaseIDs() []string {
	ids := make([]string, 0, len(p.Phases))
	for _, ph := range p.Phases {
		ids = append(ids, ph.ID)
	}
	return ids
}

// Mode resolves the phase's effective instance mode against the plan default.
func (p *Plan) Mode(ph *Phase) InstanceMode {
	if ph.InstanceMode != "" {
		return ph.InstanceMode
	}
	if p.DefaultInstanceMode != "" {
		return p.DefaultInstanceMode
	}
	return InstanceModeImmediate
}

// MaxAttempts resolves the phase's total apply attempts. Both a missing
// retry block and maxAttempts: 0 mean exactly one attempt.
func (ph *Phase) MaxAttempts() int {
	if ph.Retry == nil || ph.Retry.MaxAttempts <= 0 {
		return 1
	}
	return ph.Retry.MaxAttempts
}

// FailureAction resolves the abort decision for a failed phase. A phase
// failure with no onFailure handler is always fatal.
func (ph *Phase) FailureAction() HandlerAction {
	if ph.OnFailure == nil || ph.OnFailure.Action == "" {
		return ActionRaise
	}
	return ph.OnFailure.Action
}

// Duration is a wait timeout literal matching <int>(ms|s|m|h)?. A bare
// integer is interpreted as seconds.
type Duration time.Duration

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h)?$`)

// ParseDuration parses a timeout literal.
func ParseDuration(s string) (Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: must match <int>(ms|s|m|h)?", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "ms":
		return Duration(time.Duration(n) * time.Millisecond), nil
	case "m":
		return Duration(time.Duration(n) * time.Minute), nil
	case "h":
		return Duration(time.Duration(n) * time.Hour), nil
	default: // "s" or bare integer
		return Duration(time.Duration(n) * time.Second), nil
	}
}

// UnmarshalYAML decodes a duration literal from a scalar node. Bare
// integers and suffixed strings are both accepted.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	var literal string
	switch v := raw.(type) {
	case string:
		literal = v
	case int:
		literal = strconv.Itoa(v)
	default:
		return fmt.Errorf("invalid duration %v: must match <int>(ms|s|m|h)?", raw)
	}

	parsed, err := ParseDuration(literal)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML renders the duration back to its canonical literal.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the duration using the smallest exact unit.
func (d Duration) String() string {
	v := time.Duration(d)
	switch {
	case v == 0:
		return "0s"
	case v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	case v%time.Minute == 0:
		return fmt.Sprintf("%dm", v/time.Minute)
	case v%time.Second == 0:
		return fmt.Sprintf("%ds", v/time.Second)
	default:
		return fmt.Sprintf("%dms", v/time.Millisecond)
	}
}
