package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/yairfalse/warden/types"
)

const versionColumns = `id, policy_id, label, content_hash, created_at, created_by, document`

func scanVersion(row pgx.Row) (types.PolicyVersion, error) {
	var v types.PolicyVersion
	var doc []byte
	if err := row.Scan(&v.ID, &v.PolicyID, &v.Label, &v.ContentHash, &v.CreatedAt, &v.CreatedBy, &doc); err != nil {
		return types.PolicyVersion{}, err
	}
	v.Document = doc
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// CreatePolicyVersion inserts a version and its creation event in one transaction
func (s *Store) CreatePolicyVersion(ctx context.Context, v types.PolicyVersion, ev types.PolicyEvent) (types.PolicyVersion, bool, error) {
	var stored types.PolicyVersion
	created := false

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		existing, err := scanVersion(tx.QueryRow(ctx,
			`SELECT `+versionColumns+` FROM policy_versions WHERE content_hash = $1`, v.ContentHash))
		if err == nil {
			stored = existing
			return nil
		}
		if !isNoRows(err) {
			return err
		}

		var clashID string
		err = tx.QueryRow(ctx, `SELECT id FROM policy_versions WHERE policy_id = $1 AND label = $2`,
			v.PolicyID, v.Label).Scan(&clashID)
		if err == nil {
			return fmt.Errorf("policy %s label %q exists as version %s with different content: %w",
				v.PolicyID, v.Label, clashID, types.ErrConflict)
		}
		if !isNoRows(err) {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO policy_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.PolicyID, v.Label, v.ContentHash, v.CreatedAt, v.CreatedBy, string(v.Document)); err != nil {
			return err
		}
		if err := insertPolicyEvent(ctx, tx, ev); err != nil {
			return err
		}
		stored = v
		created = true
		return nil
	})
	if err != nil {
		return types.PolicyVersion{}, false, mapErr("create policy version", err)
	}
	return stored, created, nil
}

func insertPolicyEvent(ctx context.Context, tx pgx.Tx, ev types.PolicyEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO policy_events (id, policy_id, version_id, event_type, actor, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.PolicyID, ev.VersionID, string(ev.Type), ev.Actor, ev.CreatedAt)
	return err
}

// GetPolicyVersion loads one version by id
func (s *Store) GetPolicyVersion(ctx context.Context, id string) (types.PolicyVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM policy_versions WHERE id = $1`, id))
	if isNoRows(err) {
		return types.PolicyVersion{}, fmt.Errorf("policy version %q: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.PolicyVersion{}, mapErr("get policy version", err)
	}
	return v, nil
}

// ListPolicyVersions returns versions of policyID newest first
func (s *Store) ListPolicyVersions(ctx context.Context, policyID string, page types.Page) ([]types.PolicyVersion, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM policy_versions WHERE policy_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		policyID, page.Limit, page.Offset)
	if err != nil {
		return nil, mapErr("list policy versions", err)
	}
	defer rows.Close()

	out := []types.PolicyVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, mapErr("scan policy version", err)
		}
		out = append(out, v)
	}
	return out, mapErr("list policy versions", rows.Err())
}

// SetActivePolicy upserts the pointer and appends the activation event
func (s *Store) SetActivePolicy(ctx context.Context, ptr types.ActivePolicyPointer, ev types.PolicyEvent) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM policy_versions WHERE id = $1)`, ptr.VersionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("policy version %q: %w", ptr.VersionID, types.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO active_policies (policy_id, version_id, updated_at, updated_by) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (policy_id) DO UPDATE SET version_id = EXCLUDED.version_id,
			   updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
			ptr.PolicyID, ptr.VersionID, ptr.UpdatedAt, ptr.UpdatedBy); err != nil {
			return err
		}
		return insertPolicyEvent(ctx, tx, ev)
	})
	return mapErr("set active policy", err)
}

// ClearActivePolicy removes the pointer and appends the deactivation event
func (s *Store) ClearActivePolicy(ctx context.Context, policyID string, ev types.PolicyEvent) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM active_policies WHERE policy_id = $1`, policyID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("active policy %q: %w", policyID, types.ErrNotFound)
		}
		return insertPolicyEvent(ctx, tx, ev)
	})
	return mapErr("clear active policy", err)
}

// GetActivePolicy returns the pointer or nil when not configured
func (s *Store) GetActivePolicy(ctx context.Context, policyID string) (*types.ActivePolicyPointer, error) {
	var ptr types.ActivePolicyPointer
	err := s.pool.QueryRow(ctx,
		`SELECT policy_id, version_id, updated_at, updated_by FROM active_policies WHERE policy_id = $1`, policyID).
		Scan(&ptr.PolicyID, &ptr.VersionID, &ptr.UpdatedAt, &ptr.UpdatedBy)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("get active policy", err)
	}
	ptr.UpdatedAt = ptr.UpdatedAt.UTC()
	return &ptr, nil
}

// ListPolicyEvents returns the activation log of policyID newest first
func (s *Store) ListPolicyEvents(ctx context.Context, policyID string, page types.Page) ([]types.PolicyEvent, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_id, version_id, event_type, actor, created_at FROM policy_events
		 WHERE policy_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		policyID, page.Limit, page.Offset)
	if err != nil {
		return nil, mapErr("list policy events", err)
	}
	defer rows.Close()

	out := []types.PolicyEvent{}
	for rows.Next() {
		var ev types.PolicyEvent
		var typ string
		if err := rows.Scan(&ev.ID, &ev.PolicyID, &ev.VersionID, &typ, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, mapErr("scan policy event", err)
		}
		ev.Type = types.PolicyEventType(typ)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, mapErr("list policy events", rows.Err())
}
