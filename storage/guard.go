package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/warden/types"
)

// appendOnly wraps a bucket whose rows are written once and never changed
type appendOnly struct {
	name   string
	bucket *bbolt.Bucket
}

func guard(tx *bbolt.Tx, name []byte) appendOnly {
	return appendOnly{name: string(name), bucket: tx.Bucket(name)}
}

// Insert writes a new row; an existing key is an integrity violation
func (g appendOnly) Insert(key, value []byte) error {
	if g.bucket.Get(key) != nil {
		return fmt.Errorf("%s row %q already written: %w", g.name, key, types.ErrIntegrityViolation)
	}
	return g.bucket.Put(key, value)
}

func (g appendOnly) Get(key []byte) []byte {
	return g.bucket.Get(key)
}

// Update always fails
func (g appendOnly) Update(key []byte) error {
	return fmt.Errorf("update of %s row %q: %w", g.name, key, types.ErrIntegrityViolation)
}

// Delete always fails
func (g appendOnly) Delete(key []byte) error {
	return fmt.Errorf("delete of %s row %q: %w", g.name, key, types.ErrIntegrityViolation)
}
