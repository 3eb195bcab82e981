package storage

import (
	"context"
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

// AppendAuditEvent writes ev once; the id can never be reused
func (s *BoltStore) AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return insertJSON(guard(tx, bucketAuditEvents), []byte(ev.ID), ev)
	})
	if err != nil {
		return wrapErr("append audit event", err)
	}
	s.auditByRun.add(ev.RunID, ev.CreatedAt, ev.ID)
	return nil
}

// ListAuditEvents returns the events of runID newest first
func (s *BoltStore) ListAuditEvents(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error) {
	page, err := types.AuditPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.auditByRun.descending(runID, page)
	s.mu.RUnlock()

	return s.loadAudit(ids)
}

// ScanAuditEvents visits the events of runID in append order
func (s *BoltStore) ScanAuditEvents(ctx context.Context, runID string, fn func(types.AuditEvent) error) error {
	s.mu.RLock()
	ids := s.auditByRun.ascending(runID)
	s.mu.RUnlock()

	events, err := s.loadAudit(ids)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) loadAudit(ids []string) ([]types.AuditEvent, error) {
	out := make([]types.AuditEvent, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAuditEvents)
		for _, id := range ids {
			var ev types.AuditEvent
			if err := json.Unmarshal(b.Get([]byte(id)), &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("load audit events", err)
	}
	return out, nil
}
