package storage

import (
	"time"

	"github.com/google/btree"

	"github.com/yairfalse/warden/types"
)

// farFuture sorts after every real timestamp
var farFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// indexEntry orders records by (group, time, id)
type indexEntry struct {
	Group string
	At    time.Time
	ID    string
}

func lessEntry(a, b indexEntry) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}

// orderedIndex is an in-memory secondary index rebuilt from disk on open
type orderedIndex struct {
	tree *btree.BTreeG[indexEntry]
}

func newOrderedIndex() *orderedIndex {
	return &orderedIndex{tree: btree.NewG[indexEntry](32, lessEntry)}
}

func (x *orderedIndex) add(group string, at time.Time, id string) {
	x.tree.ReplaceOrInsert(indexEntry{Group: group, At: at, ID: id})
}

// descending returns the ids of group newest first, windowed by page
func (x *orderedIndex) descending(group string, page types.Page) []string {
	ids := make([]string, 0, page.Limit)
	skipped := 0
	x.tree.DescendLessOrEqual(indexEntry{Group: group, At: farFuture}, func(e indexEntry) bool {
		if e.Group != group {
			return false
		}
		if skipped < page.Offset {
			skipped++
			return true
		}
		ids = append(ids, e.ID)
		return len(ids) < page.Limit
	})
	return ids
}

// ascending returns every id of group oldest first
func (x *orderedIndex) ascending(group string) []string {
	var ids []string
	x.tree.AscendGreaterOrEqual(indexEntry{Group: group}, func(e indexEntry) bool {
		if e.Group != group {
			return false
		}
		ids = append(ids, e.ID)
		return true
	})
	return ids
}
