package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/warden/types"
)

const auditColumns = `id, run_id, incident_ref, event_type, created_at, policy_version_ref, payload, payload_hash`

func scanAudit(row pgx.Row) (types.AuditEvent, error) {
	var ev types.AuditEvent
	var typ string
	var payload []byte
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.IncidentRef, &typ, &ev.CreatedAt, &ev.PolicyVersionRef, &payload, &ev.PayloadHash); err != nil {
		return types.AuditEvent{}, err
	}
	ev.EventType = types.AuditEventType(typ)
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.Payload = payload
	return ev, nil
}

// AppendAuditEvent inserts ev; reusing an id is an integrity violation
func (s *Store) AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.RunID, ev.IncidentRef, string(ev.EventType), ev.CreatedAt, ev.PolicyVersionRef, string(ev.Payload), ev.PayloadHash)
	err = mapErr("append audit event", err)
	if errors.Is(err, types.ErrConflict) {
		return fmt.Errorf("audit event %s already written: %w", ev.ID, types.ErrIntegrityViolation)
	}
	return err
}

// ListAuditEvents returns the events of runID newest first
func (s *Store) ListAuditEvents(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error) {
	page, err := types.AuditPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE run_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		runID, page.Limit, page.Offset)
	if err != nil {
		return nil, mapErr("list audit events", err)
	}
	defer rows.Close()

	out := []types.AuditEvent{}
	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return nil, mapErr("scan audit event", err)
		}
		out = append(out, ev)
	}
	return out, mapErr("list audit events", rows.Err())
}

// ScanAuditEvents visits the events of runID in append order
func (s *Store) ScanAuditEvents(ctx context.Context, runID string, fn func(types.AuditEvent) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return mapErr("scan audit events", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanAudit(rows)
		if err != nil {
			return mapErr("scan audit event", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return mapErr("scan audit events", rows.Err())
}
