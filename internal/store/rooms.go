package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrRoomNotFound is returned when a room id does not exist.
var ErrRoomNotFound = errors.New("store: room not found")

const roomColumns = `
	id, name, server_ref, status, organization_id, ai_enabled,
	transcription_enabled, empty_timeout_seconds, owner_worker_id,
	owner_claimed_at, owner_heartbeat_at, timebase_origin, created_at,
	closed_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var (
		r           Room
		timeoutSecs int
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.ServerRef, &r.Status, &r.OrganizationID,
		&r.AIEnabled, &r.TranscriptionEnabled, &timeoutSecs,
		&r.OwnerWorkerID, &r.OwnerClaimedAt, &r.OwnerHeartbeatAt,
		&r.TimebaseOrigin, &r.CreatedAt, &r.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	r.EmptyTimeout = time.Duration(timeoutSecs) * time.Second
	return &r, nil
}

// GetRoom fetches a single room row by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+roomColumns+` FROM rooms WHERE id = $1`, roomID)
	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return r, nil
}

// ClaimRoom atomically acquires ownership of a room for workerID.
//
// The room update is a single conditional statement: it succeeds only
// while the room is in pending or active status and is either unowned
// or owned by a worker whose heartbeat is older than [StaleAfter]. On
// success the worker row's current_room_id and heartbeat are updated in
// the same transaction, so a heartbeat write is always causally after
// the claim it follows.
//
// Returns true iff exactly one room row changed. A false return means
// the claim race was lost; callers swallow it and wait for the next
// discovery event.
func (s *Store) ClaimRoom(ctx context.Context, workerID, roomID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: claim room: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rooms
		SET owner_worker_id = $1,
		    owner_claimed_at = now(),
		    owner_heartbeat_at = now(),
		    status = 'processing'
		WHERE id = $2
		  AND status IN ('pending', 'active')
		  AND (owner_worker_id IS NULL OR owner_heartbeat_at < now() - $3::interval)`,
		workerID, roomID, StaleAfter.String())
	if err != nil {
		return false, fmt.Errorf("store: claim room: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workers
		SET current_room_id = $2, last_heartbeat_at = now(), status = 'active'
		WHERE id = $1`,
		workerID, roomID); err != nil {
		return false, fmt.Errorf("store: claim room: worker update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: claim room: commit: %w", err)
	}
	return true, nil
}

// ReleaseRoom clears the owner columns on the room iff it is currently
// owned by workerID, and clears the worker's current_room_id iff it
// equals roomID. A room still in processing status (released without
// being finalized) reverts to pending so it is claimable again;
// finalized rooms keep their terminal status. Releasing a room that is
// not held is a no-op.
func (s *Store) ReleaseRoom(ctx context.Context, workerID, roomID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: release room: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE rooms
		SET owner_worker_id = NULL,
		    owner_claimed_at = NULL,
		    owner_heartbeat_at = NULL,
		    status = CASE WHEN status = 'processing' THEN 'pending' ELSE status END
		WHERE id = $2 AND owner_worker_id = $1`,
		workerID, roomID); err != nil {
		return fmt.Errorf("store: release room: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE workers SET current_room_id = NULL
		WHERE id = $1 AND current_room_id = $2`,
		workerID, roomID); err != nil {
		return fmt.Errorf("store: release room: worker update: %w", err)
	}

	return tx.Commit(ctx)
}

// FinalizeRoom marks a room completed and stamps closed_at. The update
// is conditioned on the room not already being in a terminal state, so
// finalizing twice leaves the original closed_at untouched.
func (s *Store) FinalizeRoom(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET status = 'completed', closed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'closed')`,
		roomID)
	if err != nil {
		return fmt.Errorf("store: finalize room: %w", err)
	}
	return nil
}

// RoomOrganization returns the organization attribution recorded on
// the room row. Loaded lazily (and cached) by the transcript sink.
func (s *Store) RoomOrganization(ctx context.Context, roomID string) (string, error) {
	var org string
	err := s.pool.QueryRow(ctx,
		`SELECT organization_id FROM rooms WHERE id = $1`, roomID).Scan(&org)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrRoomNotFound
		}
		return "", fmt.Errorf("store: room organization: %w", err)
	}
	return org, nil
}

// TimebaseOrigin returns the room's stored t0, or nil when it has not
// been established yet.
func (s *Store) TimebaseOrigin(ctx context.Context, roomID string) (*time.Time, error) {
	var origin *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT timebase_origin FROM rooms WHERE id = $1`, roomID).Scan(&origin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("store: timebase origin: %w", err)
	}
	return origin, nil
}

// SetTimebaseOrigin establishes the room's t0 with set-if-null
// semantics and returns the value that ended up stored. A caller that
// loses the race adopts the winner's origin, so t0 is set exactly once
// per room across the cluster.
func (s *Store) SetTimebaseOrigin(ctx context.Context, roomID string, origin time.Time) (time.Time, error) {
	var stored time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE rooms
		SET timebase_origin = COALESCE(timebase_origin, $2)
		WHERE id = $1
		RETURNING timebase_origin`,
		roomID, origin.UTC()).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrRoomNotFound
		}
		return time.Time{}, fmt.Errorf("store: set timebase origin: %w", err)
	}
	return stored, nil
}

// NextClaimableRoom returns the oldest room that is claimable for the
// given mode filter, or nil when none exists. transcription mode takes
// rooms with transcription enabled, ai-jobs mode takes rooms without
// it, and both takes any.
func (s *Store) NextClaimableRoom(ctx context.Context, mode string) (*Room, error) {
	q := `SELECT` + roomColumns + `
		FROM rooms
		WHERE status IN ('pending', 'active')
		  AND (owner_worker_id IS NULL OR owner_heartbeat_at < now() - $1::interval)`
	switch mode {
	case "transcription":
		q += ` AND transcription_enabled`
	case "ai-jobs":
		q += ` AND NOT transcription_enabled`
	}
	q += ` ORDER BY created_at ASC LIMIT 1`

	row := s.pool.QueryRow(ctx, q, StaleAfter.String())
	r, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: next claimable room: %w", err)
	}
	return r, nil
}
