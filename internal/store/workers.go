package store

import (
	"context"
	"fmt"
)

// RegisterWorker inserts (or revives) this worker's row in active
// status. Re-registering an existing id resets its heartbeat and mode,
// which keeps WORKER_ID stable across restarts.
func (s *Store) RegisterWorker(ctx context.Context, workerID, mode string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, mode, status, last_heartbeat_at, started_at)
		VALUES ($1, $2, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE
		SET mode = EXCLUDED.mode,
		    status = 'active',
		    current_room_id = NULL,
		    last_heartbeat_at = now(),
		    started_at = now()`,
		workerID, mode)
	if err != nil {
		return fmt.Errorf("store: register worker: %w", err)
	}
	return nil
}

// UpdateHeartbeat advertises liveness. currentRoomID may be nil and is
// written as-is: a worker between rooms must publish NULL rather than a
// stale room reference.
func (s *Store) UpdateHeartbeat(ctx context.Context, workerID string, currentRoomID *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workers
		SET last_heartbeat_at = now(), current_room_id = $2, status = 'active'
		WHERE id = $1`,
		workerID, currentRoomID)
	if err != nil {
		return fmt.Errorf("store: update heartbeat: %w", err)
	}
	return nil
}

// StopWorker marks this worker stopped on graceful shutdown.
func (s *Store) StopWorker(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workers
		SET status = 'stopped', current_room_id = NULL
		WHERE id = $1`,
		workerID)
	if err != nil {
		return fmt.Errorf("store: stop worker: %w", err)
	}
	return nil
}

// ReapStaleWorkers finds active workers whose heartbeat is older than
// [StaleAfter], releases any rooms they still own, and marks them
// stopped — all in one transaction. Rooms a dead worker left in
// processing revert to pending so the cluster can reclaim them.
// Returns the number of workers reaped.
func (s *Store) ReapStaleWorkers(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: reap stale workers: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE rooms
		SET owner_worker_id = NULL,
		    owner_claimed_at = NULL,
		    owner_heartbeat_at = NULL,
		    status = CASE WHEN status = 'processing' THEN 'pending' ELSE status END
		WHERE owner_worker_id IN (
			SELECT id FROM workers
			WHERE status = 'active' AND last_heartbeat_at < now() - $1::interval
		)`,
		StaleAfter.String()); err != nil {
		return 0, fmt.Errorf("store: reap stale workers: release rooms: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workers
		SET status = 'stopped', current_room_id = NULL
		WHERE status = 'active' AND last_heartbeat_at < now() - $1::interval`,
		StaleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("store: reap stale workers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: reap stale workers: commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
