package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/queuetue/phasor/pkg/plan"
)

// dispatcher runs success and failure handlers. Handler effects finish
// before the phase's terminal status is published to the scheduler, so
// dependents never observe a phase whose handler is still in flight.
type dispatcher struct {
	notifier Notifier
	binder   *binder
	logger   zerolog.Logger
	onNotifyErr func(phase string, err error)
}

// runSuccess executes a phase's onSuccess handler, if any.
func (d *dispatcher) runSuccess(ctx context.Context, ph *plan.Phase, resources []*Resource) {
	if ph.OnSuccess == nil {
		return
	}
	d.runEffects(ctx, ph, "onSuccess", &ph.OnSuccess.Spec, resources)
}

// runFailure executes a phase's onFailure handler, if any, and returns the
// abort decision. A phase with no handler always raises.
func (d *dispatcher) runFailure(ctx context.Context, ph *plan.Phase, resources []*Resource) plan.HandlerAction {
	if ph.OnFailure != nil {
		d.runEffects(ctx, ph, "onFailure", &ph.OnFailure.Spec, resources)
	}
	return ph.FailureAction()
}

// runEffects applies a handler's effects in order: messages, notification,
// then label merges. Notification failures are logged and surfaced through
// the onNotifyErr hook, never escalated.
func (d *dispatcher) runEffects(ctx context.Context, ph *plan.Phase, kind string, spec *plan.HandlerSpec, resources []*Resource) {
	for _, line := range spec.Message {
		d.logger.Info().
			Str("phase", ph.ID).
			Str("handler", kind).
			Msg(line)
	}

	if spec.Notify != nil {
		d.deliver(ctx, ph, kind, spec)
	}

	if len(spec.Labels) > 0 {
		d.binder.mergeLabels(resources, spec.Labels)
	}
}

func (d *dispatcher) deliver(ctx context.Context, ph *plan.Phase, kind string, spec *plan.HandlerSpec) {
	message := ph.Description
	if len(spec.Message) > 0 {
		message = spec.Message[0]
	}

	targets := make([]NotifyTarget, 0, 2)
	if spec.Notify.Email != "" {
		targets = append(targets, NotifyTarget{Email: spec.Notify.Email})
	}
	if spec.Notify.Slack != "" {
		targets = append(targets, NotifyTarget{Slack: spec.Notify.Slack})
	}

	for _, target := range targets {
		if err := d.notifier.Notify(ctx, target, message); err != nil {
			nerr := NewNotifierError(ph.ID, err)
			d.logger.Warn().
				Str("phase", ph.ID).
				Str("handler", kind).
				Err(nerr).
				Msg("notification delivery failed")
			if d.onNotifyErr != nil {
				d.onNotifyErr(ph.ID, nerr)
			}
		}
	}
}
