// Package lease hands out exclusive, expiring claims on a key so a run has
// exactly one logical worker at a time, in one process or across many.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/warden/types"
)

// ErrHeld is returned when another holder owns the key
var ErrHeld = fmt.Errorf("lease held by another worker: %w", types.ErrConflict)

// ErrLost is returned when a lease expired or was taken over before release
var ErrLost = fmt.Errorf("lease lost: %w", types.ErrConflict)

// Lease is one acquired claim
type Lease interface {
	Key() string
	// Refresh extends the claim to ttl from now
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker acquires leases
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func newToken() string {
	return uuid.Must(uuid.NewV7()).String()
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker
type Local struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{entries: make(map[string]localEntry), now: time.Now}
}

// SetClock overrides the expiry clock
func (l *Local) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire claims key for ttl unless a live claim exists
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return nil, types.Invalid("ttl", "must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%s: %w", key, ErrHeld)
	}
	token := newToken()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Refresh(ctx context.Context, ttl time.Duration) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	e, ok := o.entries[l.key]
	if !ok || e.token != l.token || !now.Before(e.expires) {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	e.expires = now.Add(ttl)
	o.entries[l.key] = e
	return nil
}

func (l *localLease) Release(ctx context.Context) error {
	o := l.owner
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[l.key]
	if !ok || e.token != l.token {
		return fmt.Errorf("%s: %w", l.key, ErrLost)
	}
	delete(o.entries, l.key)
	return nil
}
