package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/types"
	"github.com/yairfalse/warden/wal"
)

// Mismatch is one event whose payload no longer matches its hash
type Mismatch struct {
	EventID  string `json:"event_id"`
	RunID    string `json:"run_id,omitempty"`
	Stored   string `json:"stored_hash"`
	Computed string `json:"computed_hash,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// VerifyReport summarizes a verification pass over one run
type VerifyReport struct {
	RunID      string     `json:"run_id"`
	Events     int        `json:"events"`
	Mismatches []Mismatch `json:"mismatches"`
}

// OK reports whether every payload matched its hash
func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// JournalReport summarizes a verification pass over a journal directory
type JournalReport struct {
	Entries    int        `json:"entries"`
	Runs       int        `json:"runs"`
	Stats      wal.Stats  `json:"stats"`
	Mismatches []Mismatch `json:"mismatches"`
}

// OK reports whether every journal entry matched its hash
func (r JournalReport) OK() bool {
	return len(r.Mismatches) == 0 && r.Stats.Gaps == 0
}

// payloadHash recomputes the hash from the decoded payload so storage
// whitespace or escaping differences do not matter
func payloadHash(payload json.RawMessage) (string, error) {
	generic, err := canonical.Decode(payload)
	if err != nil {
		return "", err
	}
	return canonical.Hash(generic)
}

func check(ev types.AuditEvent) *Mismatch {
	computed, err := payloadHash(ev.Payload)
	if err != nil {
		return &Mismatch{EventID: ev.ID, RunID: ev.RunID, Stored: ev.PayloadHash, Problem: err.Error()}
	}
	if computed != ev.PayloadHash {
		return &Mismatch{EventID: ev.ID, RunID: ev.RunID, Stored: ev.PayloadHash, Computed: computed}
	}
	return nil
}

// Verify recomputes the payload hash of every event of runID. Any mismatch
// yields ErrIntegrityViolation together with the full report.
func (w *Writer) Verify(ctx context.Context, runID string) (VerifyReport, error) {
	ctx, span := w.tracer.Start(ctx, "audit.verify")
	defer span.End()

	report := VerifyReport{RunID: runID, Mismatches: []Mismatch{}}
	err := w.store.ScanAuditEvents(ctx, runID, func(ev types.AuditEvent) error {
		report.Events++
		if m := check(ev); m != nil {
			report.Mismatches = append(report.Mismatches, *m)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("verify run %s: %w", runID, err)
	}

	if !report.OK() {
		w.logger.WithContext(ctx).Error().
			Str("run_id", runID).
			Int("mismatches", len(report.Mismatches)).
			Msg("audit payload hash mismatch")
		return report, fmt.Errorf("run %s: %d of %d audit events fail verification: %w",
			runID, len(report.Mismatches), report.Events, types.ErrIntegrityViolation)
	}
	return report, nil
}

// VerifyJournal replays every journal file in dir and re-hashes each
// mirrored event
func VerifyJournal(dir string, config wal.Config) (JournalReport, error) {
	report := JournalReport{Mismatches: []Mismatch{}}

	stats, err := wal.GetStatsFromDir(dir, config)
	if err != nil {
		return report, fmt.Errorf("scan journal: %w", err)
	}
	report.Stats = stats

	runs := make(map[string]struct{})
	err = wal.ReplayWithConfig(dir, config, time.Time{}, func(entry *wal.Entry) error {
		report.Entries++
		var ev types.AuditEvent
		if err := json.Unmarshal(entry.Data, &ev); err != nil {
			report.Mismatches = append(report.Mismatches, Mismatch{
				EventID: fmt.Sprintf("sequence-%d", entry.Sequence),
				RunID:   entry.RunID,
				Problem: err.Error(),
			})
			return nil
		}
		runs[ev.RunID] = struct{}{}
		if m := check(ev); m != nil {
			report.Mismatches = append(report.Mismatches, *m)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("replay journal: %w", err)
	}
	report.Runs = len(runs)

	if !report.OK() {
		return report, fmt.Errorf("journal %s: %d mismatches, %d sequence gaps: %w",
			dir, len(report.Mismatches), report.Stats.Gaps, types.ErrIntegrityViolation)
	}
	return report, nil
}
