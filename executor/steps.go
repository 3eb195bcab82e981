package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/internal/lease"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/sanitize"
	"github.com/yairfalse/warden/types"
)

// maxErrorMessage bounds executor messages copied into the audit trail
const maxErrorMessage = 1024

// stepPayload is the body of STEP_STARTED and STEP_FINISHED events
type stepPayload struct {
	StepID       string           `json:"step_id"`
	Position     int              `json:"position"`
	ActionType   string           `json:"action_type"`
	Status       types.StepStatus `json:"status"`
	InputsHash   string           `json:"inputs_hash,omitempty"`
	OutputHash   string           `json:"output_hash,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	DurationMs   int64            `json:"duration_ms,omitempty"`
	Verdict      *types.Verdict   `json:"verdict,omitempty"`
}

// stepOutcome is how a step ends
type stepOutcome struct {
	status     types.StepStatus
	outputHash string
	errorCode  string
	message    string
	duration   time.Duration
	verdict    *types.Verdict
}

// stepTimeout is the lawbook's step timeout, else the engine default, capped
// by MaxStepTimeout
func (e *Engine) stepTimeout(policy lawbook.Active) time.Duration {
	timeout := e.options.StepTimeout
	if policy.Configured() && policy.Document.Remediation.StepTimeoutSeconds > 0 {
		timeout = time.Duration(policy.Document.Remediation.StepTimeoutSeconds) * time.Second
	}
	if e.options.MaxStepTimeout > 0 && timeout > e.options.MaxStepTimeout {
		timeout = e.options.MaxStepTimeout
	}
	return timeout
}

// runSteps executes pending steps in declared order, stopping at the first
// failure, then finalizes the run
func (e *Engine) runSteps(ctx context.Context, run types.RemediationRun, record planRecord, policy lawbook.Active, held lease.Lease) (types.RemediationRun, error) {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("list steps of run %s: %w", run.ID, err)
	}
	timeout := e.stepTimeout(policy)

	for _, step := range steps {
		failed := false
		switch step.Status {
		case types.StepSucceeded:
			continue
		case types.StepFailed:
			failed = true
		case types.StepRunning:
			// A previous worker stopped mid-action; its outcome is unknown.
			err = e.finishStep(ctx, run, step, stepOutcome{
				status:    types.StepFailed,
				errorCode: types.ErrorCodeExecutorError,
				message:   "interrupted before completion",
			})
			if err != nil {
				return run, err
			}
			failed = true
		default:
			ok, err := e.runStep(ctx, run, step, record, policy, held, timeout)
			if err != nil {
				return run, err
			}
			failed = !ok
		}
		if failed {
			break
		}
	}
	return e.finalize(ctx, run)
}

// runStep gates, starts, invokes and finishes one PENDING step. It reports
// whether the step succeeded.
func (e *Engine) runStep(
	ctx context.Context,
	run types.RemediationRun,
	step types.RemediationStep,
	record planRecord,
	policy lawbook.Active,
	held lease.Lease,
	timeout time.Duration,
) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("step.id", step.StepID),
			attribute.String("action.type", step.ActionType),
		))
	defer span.End()

	planned, ok := record.step(step.StepID)
	if !ok || planned.InputsHash != step.InputsHash {
		return false, fmt.Errorf("step %s of run %s does not match its plan: %w", step.StepID, run.ID, types.ErrIntegrityViolation)
	}
	if hash, err := canonical.Hash(planned.Inputs); err != nil || hash != step.InputsHash {
		return false, fmt.Errorf("inputs of step %s of run %s fail verification: %w", step.StepID, run.ID, types.ErrIntegrityViolation)
	}

	now := e.now().UTC()
	maxKeyLength := 0
	if policy.Configured() {
		maxKeyLength = policy.Document.Idempotency.MaxKeyLength
	}
	verdict := gate.Combine(
		gate.ActionAllowed(gate.ActionRequest{
			RunID:      run.ID,
			StepID:     step.StepID,
			ActionType: step.ActionType,
			Now:        now,
		}, policy),
		gate.CustomRules(ctx, gate.RulesInput{
			Kind:        gate.KindAction,
			IncidentRef: run.IncidentRef,
			PlaybookID:  run.PlaybookID,
			Category:    record.Category,
			StepID:      step.StepID,
			ActionType:  step.ActionType,
			Inputs:      planned.Inputs,
			Now:         now,
		}, policy),
		gate.IdempotencyKeyFormat(step.IdempotencyKey, maxKeyLength, now),
	)
	e.metrics.RecordVerdict(ctx, gate.KindAction, string(verdict.Decision))
	e.logger.LogVerdict(ctx, run.ID, gate.KindAction, string(verdict.Decision), len(verdict.Reasons))

	if !verdict.Allowed() {
		return false, e.finishStep(ctx, run, step, stepOutcome{
			status:    types.StepFailed,
			errorCode: types.ErrorCodeActionDenied,
			verdict:   &verdict,
		})
	}

	if err := held.Refresh(ctx, timeout+e.options.LeaseTTL); err != nil {
		return false, fmt.Errorf("refresh lease of run %s: %w", run.ID, err)
	}

	_, err := e.audit.Append(ctx, audit.Entry{
		RunID:            run.ID,
		IncidentRef:      run.IncidentRef,
		EventType:        types.AuditStepStarted,
		PolicyVersionRef: run.PolicyVersionRef,
		Payload: stepPayload{
			StepID:     step.StepID,
			Position:   step.Position,
			ActionType: step.ActionType,
			Status:     types.StepRunning,
			InputsHash: step.InputsHash,
			Verdict:    &verdict,
		},
	})
	if err != nil {
		return false, fmt.Errorf("record start of step %s: %w", step.StepID, err)
	}
	running, err := e.store.TransitionStep(ctx, types.StepTransition{
		RunID:  run.ID,
		StepID: step.StepID,
		From:   types.StepPending,
		To:     types.StepRunning,
		At:     e.now(),
	})
	if err != nil {
		e.logger.LogStorageError(ctx, "transition_step", err)
		return false, fmt.Errorf("start step %s: %w", step.StepID, err)
	}

	outcome := e.invoke(ctx, running, planned.Inputs, timeout)
	// The action already ran; its outcome is recorded even if ctx was canceled.
	if err := e.finishStep(context.WithoutCancel(ctx), run, running, outcome); err != nil {
		return false, err
	}
	return outcome.status == types.StepSucceeded, nil
}

type invocation struct {
	result ActionResult
	err    error
}

// invoke calls the executor and waits at most timeout, even when the
// executor ignores its context
func (e *Engine) invoke(ctx context.Context, step types.RemediationStep, inputs map[string]any, timeout time.Duration) stepOutcome {
	req := ActionRequest{
		ActionType:     step.ActionType,
		Inputs:         make(map[string]any, len(inputs)),
		IdempotencyKey: step.IdempotencyKey,
	}
	for k, v := range inputs {
		req.Inputs[k] = v
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		res, err := e.actions.Execute(callCtx, req)
		done <- invocation{result: res, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-callCtx.Done():
		inv = invocation{err: callCtx.Err()}
	}

	outcome := classify(inv, timeout)
	outcome.duration = time.Since(started)
	return outcome
}

func classify(inv invocation, timeout time.Duration) stepOutcome {
	if inv.err != nil {
		if errors.Is(inv.err, context.DeadlineExceeded) {
			return stepOutcome{
				status:    types.StepFailed,
				errorCode: types.ErrorCodeTimeout,
				message:   fmt.Sprintf("action did not finish within %s", timeout),
			}
		}
		return stepOutcome{
			status:    types.StepFailed,
			errorCode: types.ErrorCodeExecutorError,
			message:   scrubMessage(inv.err.Error()),
		}
	}

	if inv.result.Status != ActionSucceeded {
		code := inv.result.ErrorCode
		if code == "" {
			code = types.ErrorCodeActionFailed
		}
		return stepOutcome{
			status:    types.StepFailed,
			errorCode: code,
			message:   scrubMessage(inv.result.ErrorMessage),
		}
	}

	output := inv.result.Output
	if output == nil {
		output = map[string]any{}
	}
	hash, err := canonical.Hash(output)
	if err != nil {
		return stepOutcome{
			status:    types.StepFailed,
			errorCode: types.ErrorCodeExecutorError,
			message:   fmt.Sprintf("unhashable action output: %v", err),
		}
	}
	return stepOutcome{status: types.StepSucceeded, outputHash: hash}
}

func scrubMessage(msg string) string {
	msg = sanitize.Scrub(msg)
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

// finishStep appends STEP_FINISHED and then moves the step to its terminal state
func (e *Engine) finishStep(ctx context.Context, run types.RemediationRun, step types.RemediationStep, o stepOutcome) error {
	_, err := e.audit.Append(ctx, audit.Entry{
		RunID:            run.ID,
		IncidentRef:      run.IncidentRef,
		EventType:        types.AuditStepFinished,
		PolicyVersionRef: run.PolicyVersionRef,
		Payload: stepPayload{
			StepID:       step.StepID,
			Position:     step.Position,
			ActionType:   step.ActionType,
			Status:       o.status,
			OutputHash:   o.outputHash,
			ErrorCode:    o.errorCode,
			ErrorMessage: o.message,
			DurationMs:   o.duration.Milliseconds(),
			Verdict:      o.verdict,
		},
	})
	if err != nil {
		return fmt.Errorf("record end of step %s: %w", step.StepID, err)
	}

	_, err = e.store.TransitionStep(ctx, types.StepTransition{
		RunID:      run.ID,
		StepID:     step.StepID,
		From:       step.Status,
		To:         o.status,
		OutputHash: o.outputHash,
		ErrorCode:  o.errorCode,
		At:         e.now(),
	})
	if err != nil {
		e.logger.LogStorageError(ctx, "transition_step", err)
		return fmt.Errorf("finish step %s: %w", step.StepID, err)
	}

	e.metrics.RecordStepFinished(ctx, step.ActionType, string(o.status), o.duration.Seconds())
	e.logger.LogStepFinished(ctx, run.ID, step.StepID, string(o.status), o.errorCode, o.duration)
	return nil
}

// finalize moves a RUNNING run to SUCCEEDED when every step succeeded and
// to FAILED otherwise
func (e *Engine) finalize(ctx context.Context, run types.RemediationRun) (types.RemediationRun, error) {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("list steps of run %s: %w", run.ID, err)
	}

	to, code := types.RunSucceeded, ""
	if len(steps) == 0 || summarize(steps).Succeeded != len(steps) {
		to, code = types.RunFailed, types.FailureStepFailed
	}

	run, err = e.transitionRun(ctx, run, to, code, nil)
	if err != nil {
		return run, err
	}
	return run, e.closeRun(ctx, run, nil)
}
