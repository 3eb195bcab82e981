package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// statusPayload is the body of STATUS_UPDATED events
type statusPayload struct {
	From        types.RunStatus `json:"from"`
	To          types.RunStatus `json:"to"`
	FailureCode string          `json:"failure_code,omitempty"`
	Verdict     *types.Verdict  `json:"verdict,omitempty"`
}

// stepSummary counts step states for terminal events
type stepSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

func summarize(steps []types.RemediationStep) stepSummary {
	s := stepSummary{Total: len(steps)}
	for _, step := range steps {
		switch step.Status {
		case types.StepSucceeded:
			s.Succeeded++
		case types.StepFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}

// terminalPayload is the body of COMPLETED and FAILED events
type terminalPayload struct {
	Status      types.RunStatus `json:"status"`
	FailureCode string          `json:"failure_code,omitempty"`
	Steps       stepSummary     `json:"steps"`
	Verdict     *types.Verdict  `json:"verdict,omitempty"`
}

// admit evaluates the playbook-level gates for a PLANNED run and applies
// the verdict: ALLOW starts the run, HOLD leaves it planned, DENY fails it
func (e *Engine) admit(ctx context.Context, run types.RemediationRun, record planRecord, policy lawbook.Active) (types.RemediationRun, types.Verdict, error) {
	ctx, span := e.tracer.Start(ctx, "executor.admit")
	defer span.End()

	evidence := record.Evidence
	if e.evidence != nil {
		extra, err := e.evidence.Evidence(ctx, run.IncidentRef, record.Category)
		if err != nil {
			return run, types.Verdict{}, fmt.Errorf("evidence for %s: %w", run.IncidentRef, err)
		}
		evidence = uniqueSorted(append(append([]string{}, evidence...), extra...))
	}

	report := record.Determinism
	if e.determinism != nil {
		latest, err := e.determinism.Determinism(ctx, run)
		if err != nil {
			return run, types.Verdict{}, fmt.Errorf("determinism report for run %s: %w", run.ID, err)
		}
		if latest != nil {
			report = latest
		}
	}

	stats, err := e.store.IncidentRunStats(ctx, run.IncidentRef, run.ID)
	if err != nil {
		return run, types.Verdict{}, fmt.Errorf("run stats for %s: %w", run.IncidentRef, err)
	}

	now := e.now().UTC()
	verdict := gate.Combine(
		gate.PlaybookAllowed(gate.PlaybookRequest{
			IncidentRef:     run.IncidentRef,
			PlaybookID:      run.PlaybookID,
			Category:        record.Category,
			Evidence:        evidence,
			CurrentRunCount: stats.StartedRuns,
			LastRunAt:       stats.LastRunAt,
			Now:             now,
		}, policy),
		gate.DeterminismRequired(report, policy, now),
		gate.CustomRules(ctx, gate.RulesInput{
			Kind:        gate.KindPlaybook,
			IncidentRef: run.IncidentRef,
			PlaybookID:  run.PlaybookID,
			Category:    record.Category,
			Evidence:    evidence,
			Inputs:      record.Inputs,
			Now:         now,
		}, policy),
	)
	e.metrics.RecordVerdict(ctx, gate.KindPlaybook, string(verdict.Decision))
	e.logger.LogVerdict(ctx, run.ID, gate.KindPlaybook, string(verdict.Decision), len(verdict.Reasons))

	switch verdict.Decision {
	case types.DecisionAllow:
		run, err = e.transitionRun(ctx, run, types.RunRunning, "", &verdict)
		return run, verdict, err

	case types.DecisionHold:
		repeated, err := e.holdRecorded(ctx, run, verdict)
		if err != nil {
			return run, verdict, err
		}
		if repeated {
			return run, verdict, nil
		}
		_, err = e.audit.Append(ctx, audit.Entry{
			RunID:            run.ID,
			IncidentRef:      run.IncidentRef,
			EventType:        types.AuditStatusUpdated,
			PolicyVersionRef: run.PolicyVersionRef,
			Payload:          statusPayload{From: run.Status, To: run.Status, Verdict: &verdict},
		})
		if err != nil {
			return run, verdict, fmt.Errorf("record hold of run %s: %w", run.ID, err)
		}
		return run, verdict, nil

	default:
		if run, err = e.transitionRun(ctx, run, types.RunFailed, types.FailurePolicyDenied, &verdict); err != nil {
			return run, verdict, err
		}
		return run, verdict, e.closeRun(ctx, run, &verdict)
	}
}

// holdRecorded reports whether the latest event of a run already records a
// hold for the same reasons. Re-admitting an unchanged hold appends nothing.
func (e *Engine) holdRecorded(ctx context.Context, run types.RemediationRun, verdict types.Verdict) (bool, error) {
	events, err := e.audit.ListForRun(ctx, run.ID, types.Page{Limit: 1})
	if err != nil {
		return false, fmt.Errorf("load latest event of run %s: %w", run.ID, err)
	}
	if len(events) == 0 || events[0].EventType != types.AuditStatusUpdated {
		return false, nil
	}

	var last statusPayload
	if err := json.Unmarshal(events[0].Payload, &last); err != nil {
		return false, fmt.Errorf("decode event %s of run %s: %v: %w", events[0].ID, run.ID, err, types.ErrIntegrityViolation)
	}
	if last.From != run.Status || last.To != run.Status || last.Verdict == nil || last.Verdict.Decision != types.DecisionHold {
		return false, nil
	}
	return sameReasons(last.Verdict.Reasons, verdict.Reasons), nil
}

func sameReasons(a, b []types.Reason) bool {
	return slices.EqualFunc(a, b, func(x, y types.Reason) bool {
		return x.RuleID == y.RuleID && x.Message == y.Message && slices.Equal(x.Missing, y.Missing)
	})
}

// transitionRun appends STATUS_UPDATED and then moves the run
func (e *Engine) transitionRun(ctx context.Context, run types.RemediationRun, to types.RunStatus, failureCode string, verdict *types.Verdict) (types.RemediationRun, error) {
	_, err := e.audit.Append(ctx, audit.Entry{
		RunID:            run.ID,
		IncidentRef:      run.IncidentRef,
		EventType:        types.AuditStatusUpdated,
		PolicyVersionRef: run.PolicyVersionRef,
		Payload: statusPayload{
			From:        run.Status,
			To:          to,
			FailureCode: failureCode,
			Verdict:     verdict,
		},
	})
	if err != nil {
		return run, fmt.Errorf("record %s -> %s of run %s: %w", run.Status, to, run.ID, err)
	}

	updated, err := e.store.TransitionRun(ctx, types.RunTransition{
		RunID:       run.ID,
		From:        run.Status,
		To:          to,
		FailureCode: failureCode,
		At:          e.now(),
	})
	if err != nil {
		e.logger.LogStorageError(ctx, "transition_run", err)
		return run, fmt.Errorf("move run %s to %s: %w", run.ID, to, err)
	}
	e.logger.LogRunTransition(ctx, run.ID, string(run.Status), string(to))
	return updated, nil
}

// closeRun appends the terminal COMPLETED or FAILED event of a run
func (e *Engine) closeRun(ctx context.Context, run types.RemediationRun, verdict *types.Verdict) error {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps of run %s: %w", run.ID, err)
	}

	eventType := types.AuditCompleted
	if run.Status == types.RunFailed {
		eventType = types.AuditFailed
	}
	_, err = e.audit.Append(ctx, audit.Entry{
		RunID:            run.ID,
		IncidentRef:      run.IncidentRef,
		EventType:        eventType,
		PolicyVersionRef: run.PolicyVersionRef,
		Payload: terminalPayload{
			Status:      run.Status,
			FailureCode: run.FailureCode,
			Steps:       summarize(steps),
			Verdict:     verdict,
		},
	})
	if err != nil {
		return fmt.Errorf("record end of run %s: %w", run.ID, err)
	}

	e.metrics.RecordRunFinished(ctx, run.PlaybookID, string(run.Status), run.FailureCode)
	e.logger.WithContext(ctx).Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Str("failure_code", run.FailureCode).
		Msg("run finished")
	return nil
}
