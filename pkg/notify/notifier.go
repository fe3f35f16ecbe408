// Package notify provides Notifier implementations for handler
// notifications.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/queuetue/phasor/pkg/engine"
)

// LogNotifier writes notifications to the structured log instead of
// delivering them externally. It is the default when no transport is
// configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification with its target.
func (n *LogNotifier) Notify(_ context.Context, target engine.NotifyTarget, message string) error {
	event := n.logger.Info()
	if target.Email != "" {
		event = event.Str("email", target.Email)
	}
	if target.Slack != "" {
		event = event.Str("slack", target.Slack)
	}
	event.Str("message", message).Msg("notification")
	return nil
}

// Func adapts a function to the Notifier interface. Useful in tests.
type Func func(ctx context.Context, target engine.NotifyTarget, message string) error

// Notify calls the wrapped function.
func (f Func) Notify(ctx context.Context, target engine.NotifyTarget, message string) error {
	return f(ctx, target, message)
}
