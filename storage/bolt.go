package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

// Bucket names in bbolt
var (
	bucketPolicyVersions = []byte(TablePolicyVersions)
	bucketPolicyByHash   = []byte("policy_versions_by_hash")
	bucketPolicyByLabel  = []byte("policy_versions_by_label")
	bucketPolicyEvents   = []byte(TablePolicyEvents)
	bucketActivePolicies = []byte("active_policies")
	bucketRuns           = []byte("remediation_runs")
	bucketRunKeys        = []byte("run_keys")
	bucketSteps          = []byte("remediation_steps")
	bucketAuditEvents    = []byte(TableAuditEvents)
)

var allBuckets = [][]byte{
	bucketPolicyVersions, bucketPolicyByHash, bucketPolicyByLabel, bucketPolicyEvents,
	bucketActivePolicies, bucketRuns, bucketRunKeys, bucketSteps, bucketAuditEvents,
}

// BoltStore implements Storage on a single bbolt file with in-memory
// btree indexes for ordered listings
type BoltStore struct {
	mu sync.RWMutex

	db *bbolt.DB

	versionsByPolicy *orderedIndex
	eventsByPolicy   *orderedIndex
	auditByRun       *orderedIndex
	runsByIncident   *orderedIndex
}

var _ Storage = (*BoltStore)(nil)

// NewBoltStore opens (or creates) warden.db inside dir
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w: %w", types.ErrStorageUnavailable, err)
	}
	dbPath := filepath.Join(dir, "warden.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", types.ErrStorageUnavailable, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("init buckets", err)
	}

	s := &BoltStore{
		db:               db,
		versionsByPolicy: newOrderedIndex(),
		eventsByPolicy:   newOrderedIndex(),
		auditByRun:       newOrderedIndex(),
		runsByIncident:   newOrderedIndex(),
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping checks the database file is still usable
func (s *BoltStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRuns) == nil {
			return fmt.Errorf("bucket %s missing", bucketRuns)
		}
		return nil
	}))
}

// Path is the on-disk location of the database
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) rebuildIndex() error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketPolicyVersions).ForEach(func(_, v []byte) error {
			var pv types.PolicyVersion
			if err := json.Unmarshal(v, &pv); err != nil {
				return err
			}
			s.versionsByPolicy.add(pv.PolicyID, pv.CreatedAt, pv.ID)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPolicyEvents).ForEach(func(_, v []byte) error {
			var ev types.PolicyEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			s.eventsByPolicy.add(ev.PolicyID, ev.CreatedAt, ev.ID)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAuditEvents).ForEach(func(_, v []byte) error {
			var ev types.AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			s.auditByRun.add(ev.RunID, ev.CreatedAt, ev.ID)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run types.RemediationRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			s.runsByIncident.add(run.IncidentRef, run.CreatedAt, run.ID)
			return nil
		})
	})
	return wrapErr("rebuild index", err)
}

// UpdateRow overwrites a row by id. Only append-only tables are
// addressable and they always refuse.
func (s *BoltStore) UpdateRow(ctx context.Context, table, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return wrapErr("update row", s.db.Update(func(tx *bbolt.Tx) error {
		if !IsAppendOnly(table) {
			return types.Invalid("table", "unknown table %q", table)
		}
		return guard(tx, []byte(table)).Update([]byte(id))
	}))
}

// DeleteRow removes a row by id. Only append-only tables are addressable
// and they always refuse.
func (s *BoltStore) DeleteRow(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return wrapErr("delete row", s.db.Update(func(tx *bbolt.Tx) error {
		if !IsAppendOnly(table) {
			return types.Invalid("table", "unknown table %q", table)
		}
		return guard(tx, []byte(table)).Delete([]byte(id))
	}))
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}

func insertJSON(g appendOnly, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return g.Insert(key, data)
}
