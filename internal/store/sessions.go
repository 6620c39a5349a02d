package store

import (
	"context"
	"fmt"
)

// CreateSTTSession opens a new recognition session row in active
// status and returns its id. externalTag carries the provider-side
// session identifier when the stream handshake exposed one.
func (s *Store) CreateSTTSession(ctx context.Context, roomID, participantID, externalTag string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO stt_sessions (room_id, participant_id, external_session_tag, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING id`,
		roomID, participantID, externalTag).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: create stt session: %w", err)
	}
	return id, nil
}

// CompleteSTTSession closes a session row with its final statistics.
// Only an active session transitions; completing twice is a no-op.
func (s *Store) CompleteSTTSession(ctx context.Context, sessionID string, stats SessionStats) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stt_sessions
		SET status = 'completed',
		    ended_at = now(),
		    audio_minutes = $2,
		    transcript_count = $3,
		    average_confidence = $4
		WHERE id = $1 AND status = 'active'`,
		sessionID, stats.AudioMinutes, stats.TranscriptCount, stats.AverageConfidence)
	if err != nil {
		return fmt.Errorf("store: complete stt session: %w", err)
	}
	return nil
}

// FailSTTSession marks a session failed with the provider's reason.
// A session already completed or failed keeps its original outcome.
func (s *Store) FailSTTSession(ctx context.Context, sessionID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stt_sessions
		SET status = 'failed', ended_at = now(), error_message = $2
		WHERE id = $1 AND status = 'active'`,
		sessionID, reason)
	if err != nil {
		return fmt.Errorf("store: fail stt session: %w", err)
	}
	return nil
}
