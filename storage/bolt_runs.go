package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

func stepKey(runID string, position int) []byte {
	return []byte(fmt.Sprintf("%s/%04d", runID, position))
}

func stepPrefix(runID string) []byte {
	return []byte(runID + "/")
}

// CreateRunIfAbsent inserts run and steps in one writer transaction unless
// the run key is already taken
func (s *BoltStore) CreateRunIfAbsent(ctx context.Context, run types.RemediationRun, steps []types.RemediationStep) (types.RemediationRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored types.RemediationRun
	created := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		keys := guard(tx, bucketRunKeys)
		runs := tx.Bucket(bucketRuns)

		if id := keys.Get([]byte(run.RunKey)); id != nil {
			data := runs.Get(id)
			if data == nil {
				return fmt.Errorf("run key %s points at missing run %s: %w", run.RunKey, id, types.ErrIntegrityViolation)
			}
			return json.Unmarshal(data, &stored)
		}

		if err := keys.Insert([]byte(run.RunKey), []byte(run.ID)); err != nil {
			return err
		}
		if err := putJSON(runs, []byte(run.ID), run); err != nil {
			return err
		}
		stepBucket := tx.Bucket(bucketSteps)
		for _, step := range steps {
			if err := putJSON(stepBucket, stepKey(run.ID, step.Position), step); err != nil {
				return err
			}
		}
		stored = run
		created = true
		return nil
	})
	if err != nil {
		return types.RemediationRun{}, false, wrapErr("create run", err)
	}
	if created {
		s.runsByIncident.add(run.IncidentRef, run.CreatedAt, run.ID)
	}
	return stored, created, nil
}

// GetRun loads one run by id
func (s *BoltStore) GetRun(ctx context.Context, id string) (types.RemediationRun, error) {
	var run types.RemediationRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return loadRun(tx, id, &run)
	})
	return run, wrapErr("get run", err)
}

// GetRunByKey loads one run by its run key
func (s *BoltStore) GetRunByKey(ctx context.Context, runKey string) (types.RemediationRun, error) {
	var run types.RemediationRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketRunKeys).Get([]byte(runKey))
		if id == nil {
			return notFound("run key", runKey)
		}
		return loadRun(tx, string(id), &run)
	})
	return run, wrapErr("get run by key", err)
}

func loadRun(tx *bbolt.Tx, id string, run *types.RemediationRun) error {
	data := tx.Bucket(bucketRuns).Get([]byte(id))
	if data == nil {
		return notFound("run", id)
	}
	return json.Unmarshal(data, run)
}

// ListSteps returns the steps of a run in declared order
func (s *BoltStore) ListSteps(ctx context.Context, runID string) ([]types.RemediationStep, error) {
	var steps []types.RemediationStep
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRuns).Get([]byte(runID)) == nil {
			return notFound("run", runID)
		}
		var err error
		steps, err = scanSteps(tx, runID)
		return err
	})
	if err != nil {
		return nil, wrapErr("list steps", err)
	}
	return steps, nil
}

func scanSteps(tx *bbolt.Tx, runID string) ([]types.RemediationStep, error) {
	var steps []types.RemediationStep
	prefix := stepPrefix(runID)
	c := tx.Bucket(bucketSteps).Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix); k, v = c.Next() {
		if string(k[:len(prefix)]) != string(prefix) {
			break
		}
		var step types.RemediationStep
		if err := json.Unmarshal(v, &step); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", k, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// TransitionRun moves a run from tr.From to tr.To
func (s *BoltStore) TransitionRun(ctx context.Context, tr types.RunTransition) (types.RemediationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run types.RemediationRun
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := loadRun(tx, tr.RunID, &run); err != nil {
			return err
		}
		if err := ApplyRunTransition(&run, tr); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketRuns), []byte(run.ID), run)
	})
	if err != nil {
		return types.RemediationRun{}, wrapErr("transition run", err)
	}
	return run, nil
}

// TransitionStep moves a step from tr.From to tr.To
func (s *BoltStore) TransitionStep(ctx context.Context, tr types.StepTransition) (types.RemediationStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated types.RemediationStep
	err := s.db.Update(func(tx *bbolt.Tx) error {
		steps, err := scanSteps(tx, tr.RunID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if step.StepID != tr.StepID {
				continue
			}
			if err := ApplyStepTransition(&step, tr); err != nil {
				return err
			}
			updated = step
			return putJSON(tx.Bucket(bucketSteps), stepKey(step.RunID, step.Position), step)
		}
		return notFound("step", tr.RunID+"/"+tr.StepID)
	})
	if err != nil {
		return types.RemediationStep{}, wrapErr("transition step", err)
	}
	return updated, nil
}

// IncidentRunStats counts started runs of incidentRef other than excludeRunID
func (s *BoltStore) IncidentRunStats(ctx context.Context, incidentRef, excludeRunID string) (types.IncidentRunStats, error) {
	s.mu.RLock()
	ids := s.runsByIncident.ascending(incidentRef)
	s.mu.RUnlock()

	var runs []types.RemediationRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			if id == excludeRunID {
				continue
			}
			var run types.RemediationRun
			if err := loadRun(tx, id, &run); err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return types.IncidentRunStats{}, wrapErr("incident run stats", err)
	}
	return SummarizeRuns(runs), nil
}

// SummarizeRuns folds runs into IncidentRunStats; only started runs count
func SummarizeRuns(runs []types.RemediationRun) types.IncidentRunStats {
	var stats types.IncidentRunStats
	for _, run := range runs {
		if run.StartedAt == nil {
			continue
		}
		stats.StartedRuns++
		last := run.LastActivity()
		if stats.LastRunAt == nil || last.After(*stats.LastRunAt) {
			stats.LastRunAt = &last
		}
	}
	return stats
}

// ApplyRunTransition checks and applies tr to run in memory
func ApplyRunTransition(run *types.RemediationRun, tr types.RunTransition) error {
	if run.Status != tr.From {
		return fmt.Errorf("run %s is %s, expected %s: %w", run.ID, run.Status, tr.From, types.ErrConflict)
	}
	if !tr.From.CanTransition(tr.To) {
		return fmt.Errorf("run %s cannot move %s -> %s: %w", run.ID, tr.From, tr.To, types.ErrConflict)
	}
	at := tr.At.UTC()
	run.Status = tr.To
	run.UpdatedAt = at
	if tr.To == types.RunRunning {
		run.StartedAt = &at
	}
	if tr.To.IsTerminal() {
		run.FinishedAt = &at
		run.FailureCode = tr.FailureCode
	}
	return nil
}

// ApplyStepTransition checks and applies tr to step in memory
func ApplyStepTransition(step *types.RemediationStep, tr types.StepTransition) error {
	if step.Status.IsTerminal() {
		return fmt.Errorf("step %s is %s and immutable: %w", step.StepID, step.Status, types.ErrIntegrityViolation)
	}
	if step.Status != tr.From {
		return fmt.Errorf("step %s is %s, expected %s: %w", step.StepID, step.Status, tr.From, types.ErrConflict)
	}
	if !tr.From.CanTransition(tr.To) {
		return fmt.Errorf("step %s cannot move %s -> %s: %w", step.StepID, tr.From, tr.To, types.ErrConflict)
	}
	at := tr.At.UTC()
	step.Status = tr.To
	if tr.To == types.StepRunning {
		step.StartedAt = &at
	}
	if tr.To.IsTerminal() {
		step.FinishedAt = &at
		step.OutputHash = tr.OutputHash
		step.ErrorCode = tr.ErrorCode
	}
	return nil
}
