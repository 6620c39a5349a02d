// Package store is the typed gateway to the PostgreSQL coordination
// store. All cross-worker coordination state lives here: rooms,
// workers, participants, STT sessions, transcript rows, and the
// post-call job queue.
//
// The claim, heartbeat, release, and reap routines are single atomic
// statements (or single transactions) so that concurrent workers can
// race on them safely; see the mutual-exclusion invariant on
// [Store.ClaimRoom].
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StaleAfter is the heartbeat age beyond which a worker is considered
// dead: its rooms become claimable and the reaper stops its row.
const StaleAfter = 45 * time.Second

// Store wraps a pgx connection pool with the typed operations the
// worker needs. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the coordination store at dsn, verifies the
// connection, and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the store is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
