package store

import (
	"context"
	"fmt"
)

// UpsertParticipant records a participant joining a room, keyed by
// (room_id, identity). A rejoin reactivates the existing row and clears
// left_at. Returns the participant's internal id.
func (s *Store) UpsertParticipant(ctx context.Context, roomID, identity, connectionType string, metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO participants (room_id, identity, connection_type, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, identity) DO UPDATE
		SET is_active = true,
		    left_at = NULL,
		    joined_at = now(),
		    connection_type = EXCLUDED.connection_type,
		    metadata = EXCLUDED.metadata
		RETURNING id`,
		roomID, identity, connectionType, metadata).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: upsert participant: %w", err)
	}
	return id, nil
}

// MarkParticipantLeft records a participant leaving the room.
func (s *Store) MarkParticipantLeft(ctx context.Context, roomID, identity string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants
		SET left_at = now(), is_active = false
		WHERE room_id = $1 AND identity = $2 AND is_active`,
		roomID, identity)
	if err != nil {
		return fmt.Errorf("store: mark participant left: %w", err)
	}
	return nil
}

// DeactivateRoomParticipants marks every still-active participant of a
// room as left. Used during finalization so that crashed teardowns
// cannot leave dangling active rows.
func (s *Store) DeactivateRoomParticipants(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants
		SET left_at = now(), is_active = false
		WHERE room_id = $1 AND is_active`,
		roomID)
	if err != nil {
		return fmt.Errorf("store: deactivate participants: %w", err)
	}
	return nil
}
