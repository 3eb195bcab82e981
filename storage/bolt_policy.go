package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

func labelKey(policyID, label string) []byte {
	return []byte(policyID + "\x00" + label)
}

// CreatePolicyVersion inserts a version and its version_created event in one transaction
func (s *BoltStore) CreatePolicyVersion(ctx context.Context, v types.PolicyVersion, ev types.PolicyEvent) (types.PolicyVersion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored types.PolicyVersion
	created := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		versions := guard(tx, bucketPolicyVersions)
		byHash := guard(tx, bucketPolicyByHash)
		byLabel := guard(tx, bucketPolicyByLabel)

		if id := byHash.Get([]byte(v.ContentHash)); id != nil {
			return json.Unmarshal(versions.Get(id), &stored)
		}
		if id := byLabel.Get(labelKey(v.PolicyID, v.Label)); id != nil {
			return fmt.Errorf("policy %s label %q exists as version %s with different content: %w",
				v.PolicyID, v.Label, id, types.ErrConflict)
		}

		if err := insertJSON(versions, []byte(v.ID), v); err != nil {
			return err
		}
		if err := byHash.Insert([]byte(v.ContentHash), []byte(v.ID)); err != nil {
			return err
		}
		if err := byLabel.Insert(labelKey(v.PolicyID, v.Label), []byte(v.ID)); err != nil {
			return err
		}
		if err := insertJSON(guard(tx, bucketPolicyEvents), []byte(ev.ID), ev); err != nil {
			return err
		}
		stored = v
		created = true
		return nil
	})
	if err != nil {
		return types.PolicyVersion{}, false, wrapErr("create policy version", err)
	}

	if created {
		s.versionsByPolicy.add(v.PolicyID, v.CreatedAt, v.ID)
		s.eventsByPolicy.add(ev.PolicyID, ev.CreatedAt, ev.ID)
	}
	return stored, created, nil
}

// GetPolicyVersion loads one version by id
func (s *BoltStore) GetPolicyVersion(ctx context.Context, id string) (types.PolicyVersion, error) {
	var pv types.PolicyVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPolicyVersions).Get([]byte(id))
		if data == nil {
			return notFound("policy version", id)
		}
		return json.Unmarshal(data, &pv)
	})
	return pv, wrapErr("get policy version", err)
}

// ListPolicyVersions returns versions of policyID newest first
func (s *BoltStore) ListPolicyVersions(ctx context.Context, policyID string, page types.Page) ([]types.PolicyVersion, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.versionsByPolicy.descending(policyID, page)
	s.mu.RUnlock()

	out := make([]types.PolicyVersion, 0, len(ids))
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicyVersions)
		for _, id := range ids {
			var pv types.PolicyVersion
			if err := json.Unmarshal(b.Get([]byte(id)), &pv); err != nil {
				return err
			}
			out = append(out, pv)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list policy versions", err)
	}
	return out, nil
}

// SetActivePolicy points policyID at a version and records the activation
func (s *BoltStore) SetActivePolicy(ctx context.Context, ptr types.ActivePolicyPointer, ev types.PolicyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketPolicyVersions).Get([]byte(ptr.VersionID)) == nil {
			return notFound("policy version", ptr.VersionID)
		}
		if err := putJSON(tx.Bucket(bucketActivePolicies), []byte(ptr.PolicyID), ptr); err != nil {
			return err
		}
		return insertJSON(guard(tx, bucketPolicyEvents), []byte(ev.ID), ev)
	})
	if err != nil {
		return wrapErr("set active policy", err)
	}
	s.eventsByPolicy.add(ev.PolicyID, ev.CreatedAt, ev.ID)
	return nil
}

// ClearActivePolicy removes the pointer of policyID and records the deactivation
func (s *BoltStore) ClearActivePolicy(ctx context.Context, policyID string, ev types.PolicyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketActivePolicies)
		if b.Get([]byte(policyID)) == nil {
			return notFound("active policy", policyID)
		}
		if err := b.Delete([]byte(policyID)); err != nil {
			return err
		}
		return insertJSON(guard(tx, bucketPolicyEvents), []byte(ev.ID), ev)
	})
	if err != nil {
		return wrapErr("clear active policy", err)
	}
	s.eventsByPolicy.add(ev.PolicyID, ev.CreatedAt, ev.ID)
	return nil
}

// GetActivePolicy returns the current pointer or nil when not configured
func (s *BoltStore) GetActivePolicy(ctx context.Context, policyID string) (*types.ActivePolicyPointer, error) {
	var ptr *types.ActivePolicyPointer
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketActivePolicies).Get([]byte(policyID))
		if data == nil {
			return nil
		}
		ptr = &types.ActivePolicyPointer{}
		return json.Unmarshal(data, ptr)
	})
	if err != nil {
		return nil, wrapErr("get active policy", err)
	}
	return ptr, nil
}

// ListPolicyEvents returns the activation log of policyID newest first
func (s *BoltStore) ListPolicyEvents(ctx context.Context, policyID string, page types.Page) ([]types.PolicyEvent, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.eventsByPolicy.descending(policyID, page)
	s.mu.RUnlock()

	out := make([]types.PolicyEvent, 0, len(ids))
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicyEvents)
		for _, id := range ids {
			var ev types.PolicyEvent
			if err := json.Unmarshal(b.Get([]byte(id)), &ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list policy events", err)
	}
	return out, nil
}
