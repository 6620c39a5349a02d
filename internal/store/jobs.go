package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// canonicalJobs is the post-call analysis set inserted by the fallback
// scheduler when no webhook-created jobs exist for a room.
var canonicalJobs = []struct {
	Type     string
	Priority int
}{
	{"summary", 100},
	{"action_items", 90},
	{"sentiment", 70},
	{"speaker_analytics", 50},
}

// EnsurePostCallJobs inserts the canonical analysis job set for a room
// unless any job row already exists for it. Both this fallback and the
// external webhook perform the same existence check, so racing with the
// webhook produces one valid set either way. Returns the number of jobs
// inserted (0 when jobs already existed).
func (s *Store) EnsurePostCallJobs(ctx context.Context, roomID string, payload map[string]string) (int, error) {
	if payload == nil {
		payload = map[string]string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: ensure post-call jobs: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ai_jobs WHERE room_id = $1)`,
		roomID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("store: ensure post-call jobs: %w", err)
	}
	if exists {
		return 0, tx.Commit(ctx)
	}

	for _, j := range canonicalJobs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ai_jobs (room_id, job_type, priority, payload)
			VALUES ($1, $2, $3, $4)`,
			roomID, j.Type, j.Priority, payload); err != nil {
			return 0, fmt.Errorf("store: ensure post-call jobs: insert %s: %w", j.Type, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: ensure post-call jobs: commit: %w", err)
	}
	return len(canonicalJobs), nil
}

// ClaimNextAIJob atomically takes the highest-priority pending job off
// the queue and marks it running. Uses FOR UPDATE SKIP LOCKED so
// concurrent ai-jobs workers never double-claim. Returns nil when the
// queue is empty.
func (s *Store) ClaimNextAIJob(ctx context.Context) (*AIJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim ai job: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var j AIJob
	err = tx.QueryRow(ctx, `
		SELECT id, room_id, job_type, priority, status, payload, attempts, created_at
		FROM ai_jobs
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(
		&j.ID, &j.RoomID, &j.JobType, &j.Priority, &j.Status, &j.Payload,
		&j.Attempts, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, fmt.Errorf("store: claim ai job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ai_jobs
		SET status = 'running', started_at = now(), attempts = attempts + 1
		WHERE id = $1`,
		j.ID); err != nil {
		return nil, fmt.Errorf("store: claim ai job: mark running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: claim ai job: commit: %w", err)
	}
	j.Status = JobRunning
	j.Attempts++
	return &j, nil
}

// CompleteAIJob stores the analysis result and closes the job.
func (s *Store) CompleteAIJob(ctx context.Context, jobID, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_jobs
		SET status = 'completed', result = $2, finished_at = now()
		WHERE id = $1 AND status = 'running'`,
		jobID, result)
	if err != nil {
		return fmt.Errorf("store: complete ai job: %w", err)
	}
	return nil
}

// FailAIJob records a failure. Jobs under the retry limit return to
// pending; exhausted jobs terminate as failed.
func (s *Store) FailAIJob(ctx context.Context, jobID, reason string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_jobs
		SET status = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'pending' END,
		    error = $2,
		    finished_at = CASE WHEN attempts >= $3 THEN now() ELSE NULL END
		WHERE id = $1 AND status = 'running'`,
		jobID, reason, maxAttempts)
	if err != nil {
		return fmt.Errorf("store: fail ai job: %w", err)
	}
	return nil
}
