// Package postgres implements storage.Storage on PostgreSQL. Append-only
// tables are guarded by triggers so that even direct SQL cannot rewrite
// published facts.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLSTATE codes raised by the schema
const (
	codeIntegrityViolation = "23000"
	codeUniqueViolation    = "23505"
)

var (
	connectRetries = 5
	retryDelay     = time.Second
	pingTimeout    = 2 * time.Second
)

// Options tune the connection pool
type Options struct {
	MaxConns int32
	MinConns int32
}

// Store implements storage.Storage
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Store)(nil)

// Open connects to dsn with retry, applies the schema and returns the store
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, types.Invalid("storage.dsn", "%v", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			if !sleep(ctx, retryDelay) {
				break
			}
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			s := &Store{pool: pool}
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			return s, nil
		}
		lastErr = err
		pool.Close()
		if !sleep(ctx, retryDelay) {
			break
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w: %w", types.ErrStorageUnavailable, lastErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Migrate applies the embedded schema; it is idempotent
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return mapErr("apply schema", err)
	}
	return nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return mapErr("ping", s.pool.Ping(ctx))
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapErr translates driver errors into the domain taxonomy
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeIntegrityViolation:
			return fmt.Errorf("%s: %w: %s", op, types.ErrIntegrityViolation, pgErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, types.ErrConflict, pgErr.ConstraintName)
		}
	}
	for _, target := range []error{types.ErrNotFound, types.ErrConflict, types.ErrIntegrityViolation, types.ErrValidation} {
		if errors.Is(err, target) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, types.ErrStorageUnavailable, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// UpdateRow attempts a no-op update; the append-only trigger rejects it
func (s *Store) UpdateRow(ctx context.Context, table, id string, value []byte) error {
	if !storage.IsAppendOnly(table) {
		return types.Invalid("table", "unknown table %q", table)
	}
	// table is from a fixed allow-list
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET created_at = created_at WHERE id = $1`, table), id)
	if err != nil {
		return mapErr("update row", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update row %s/%s: %w", table, id, types.ErrNotFound)
	}
	return nil
}

// DeleteRow attempts a delete; the append-only trigger rejects it
func (s *Store) DeleteRow(ctx context.Context, table, id string) error {
	if !storage.IsAppendOnly(table) {
		return types.Invalid("table", "unknown table %q", table)
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return mapErr("delete row", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete row %s/%s: %w", table, id, types.ErrNotFound)
	}
	return nil
}
