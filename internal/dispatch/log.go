package dispatch

import (
	"context"

	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/telemetry"
)

// LogDispatcher logs each action and reports success without side effects.
// It backs dry runs and deployments with no queue configured.
type LogDispatcher struct {
	logger *telemetry.Logger
}

var _ executor.ActionExecutor = (*LogDispatcher)(nil)

// NewLogDispatcher creates a dispatcher writing to logger, or to a
// "dispatch" logger when nil
func NewLogDispatcher(logger *telemetry.Logger) *LogDispatcher {
	if logger == nil {
		logger = telemetry.NewLogger("dispatch")
	}
	return &LogDispatcher{logger: logger}
}

// Execute logs the action
func (d *LogDispatcher) Execute(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
	d.logger.WithContext(ctx).Info().
		Str("action_type", req.ActionType).
		Str("idempotency_key", req.IdempotencyKey).
		Int("inputs", len(req.Inputs)).
		Msg("dry-run action")
	return executor.ActionResult{
		Status: executor.ActionSucceeded,
		Output: map[string]any{"dry_run": true},
	}, nil
}
