package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

const runColumns = `id, run_key, incident_ref, playbook_id, playbook_version, status, inputs_hash,
	policy_version_ref, failure_code, created_at, updated_at, started_at, finished_at`

const stepColumns = `id, run_id, step_id, position, action_type, status, idempotency_key,
	inputs_hash, output_hash, error_code, started_at, finished_at`

func scanRun(row pgx.Row) (types.RemediationRun, error) {
	var r types.RemediationRun
	var status string
	if err := row.Scan(&r.ID, &r.RunKey, &r.IncidentRef, &r.PlaybookID, &r.PlaybookVersion, &status, &r.InputsHash,
		&r.PolicyVersionRef, &r.FailureCode, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
		return types.RemediationRun{}, err
	}
	r.Status = types.RunStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.StartedAt = utcPtr(r.StartedAt)
	r.FinishedAt = utcPtr(r.FinishedAt)
	return r, nil
}

func scanStep(row pgx.Row) (types.RemediationStep, error) {
	var st types.RemediationStep
	var status string
	if err := row.Scan(&st.ID, &st.RunID, &st.StepID, &st.Position, &st.ActionType, &status, &st.IdempotencyKey,
		&st.InputsHash, &st.OutputHash, &st.ErrorCode, &st.StartedAt, &st.FinishedAt); err != nil {
		return types.RemediationStep{}, err
	}
	st.Status = types.StepStatus(status)
	st.StartedAt = utcPtr(st.StartedAt)
	st.FinishedAt = utcPtr(st.FinishedAt)
	return st, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateRunIfAbsent inserts run and steps unless the run key exists.
// ON CONFLICT waits for a concurrent inserter to commit, so the follow-up
// read in the same transaction sees the winner.
func (s *Store) CreateRunIfAbsent(ctx context.Context, run types.RemediationRun, steps []types.RemediationStep) (types.RemediationRun, bool, error) {
	var stored types.RemediationRun
	created := false

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO remediation_runs (`+runColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (run_key) DO NOTHING`,
			run.ID, run.RunKey, run.IncidentRef, run.PlaybookID, run.PlaybookVersion, string(run.Status), run.InputsHash,
			run.PolicyVersionRef, run.FailureCode, run.CreatedAt, run.UpdatedAt, run.StartedAt, run.FinishedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			stored, err = scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE run_key = $1`, run.RunKey))
			return err
		}

		batch := &pgx.Batch{}
		for _, st := range steps {
			batch.Queue(`INSERT INTO remediation_steps (`+stepColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				st.ID, st.RunID, st.StepID, st.Position, st.ActionType, string(st.Status), st.IdempotencyKey,
				st.InputsHash, st.OutputHash, st.ErrorCode, st.StartedAt, st.FinishedAt)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
		stored = run
		created = true
		return nil
	})
	if err != nil {
		return types.RemediationRun{}, false, mapErr("create run", err)
	}
	return stored, created, nil
}

// GetRun loads one run by id
func (s *Store) GetRun(ctx context.Context, id string) (types.RemediationRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE id = $1`, id))
	if isNoRows(err) {
		return types.RemediationRun{}, fmt.Errorf("run %q: %w", id, types.ErrNotFound)
	}
	return r, mapErr("get run", err)
}

// GetRunByKey loads one run by run key
func (s *Store) GetRunByKey(ctx context.Context, runKey string) (types.RemediationRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE run_key = $1`, runKey))
	if isNoRows(err) {
		return types.RemediationRun{}, fmt.Errorf("run key %q: %w", runKey, types.ErrNotFound)
	}
	return r, mapErr("get run by key", err)
}

// ListSteps returns the steps of a run in declared order
func (s *Store) ListSteps(ctx context.Context, runID string) ([]types.RemediationStep, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM remediation_steps WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, mapErr("list steps", err)
	}
	defer rows.Close()

	var out []types.RemediationStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, mapErr("scan step", err)
		}
		out = append(out, st)
	}
	return out, mapErr("list steps", rows.Err())
}

// TransitionRun locks the row and applies the compare-and-set
func (s *Store) TransitionRun(ctx context.Context, tr types.RunTransition) (types.RemediationRun, error) {
	var run types.RemediationRun
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		run, err = scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM remediation_runs WHERE id = $1 FOR UPDATE`, tr.RunID))
		if isNoRows(err) {
			return fmt.Errorf("run %q: %w", tr.RunID, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := storage.ApplyRunTransition(&run, tr); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE remediation_runs SET status = $2, failure_code = $3, updated_at = $4, started_at = $5, finished_at = $6
			 WHERE id = $1`,
			run.ID, string(run.Status), run.FailureCode, run.UpdatedAt, run.StartedAt, run.FinishedAt)
		return err
	})
	if err != nil {
		return types.RemediationRun{}, mapErr("transition run", err)
	}
	return run, nil
}

// TransitionStep locks the row and applies the compare-and-set
func (s *Store) TransitionStep(ctx context.Context, tr types.StepTransition) (types.RemediationStep, error) {
	var st types.RemediationStep
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		st, err = scanStep(tx.QueryRow(ctx,
			`SELECT `+stepColumns+` FROM remediation_steps WHERE run_id = $1 AND step_id = $2 FOR UPDATE`, tr.RunID, tr.StepID))
		if isNoRows(err) {
			return fmt.Errorf("step %s/%s: %w", tr.RunID, tr.StepID, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := storage.ApplyStepTransition(&st, tr); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE remediation_steps SET status = $2, output_hash = $3, error_code = $4, started_at = $5, finished_at = $6
			 WHERE id = $1`,
			st.ID, string(st.Status), st.OutputHash, st.ErrorCode, st.StartedAt, st.FinishedAt)
		return err
	})
	if err != nil {
		return types.RemediationStep{}, mapErr("transition step", err)
	}
	return st, nil
}

// IncidentRunStats counts started runs of incidentRef other than excludeRunID
func (s *Store) IncidentRunStats(ctx context.Context, incidentRef, excludeRunID string) (types.IncidentRunStats, error) {
	var stats types.IncidentRunStats
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), max(COALESCE(finished_at, started_at)) FROM remediation_runs
		 WHERE incident_ref = $1 AND id <> $2 AND started_at IS NOT NULL`,
		incidentRef, excludeRunID).Scan(&stats.StartedRuns, &last)
	if err != nil {
		return types.IncidentRunStats{}, mapErr("incident run stats", err)
	}
	stats.LastRunAt = utcPtr(last)
	return stats, nil
}
