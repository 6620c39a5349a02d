package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertTranscriptBatch writes a batch of finalized transcript rows in
// a single round trip. The whole batch succeeds or fails together so
// the sink can re-queue it on failure.
func (s *Store) InsertTranscriptBatch(ctx context.Context, rows []TranscriptRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		md := r.Metadata
		if md == nil {
			md = map[string]string{}
		}
		batch.Queue(`
			INSERT INTO transcripts (
				room_id, stt_session_id, participant_id, text, is_final,
				confidence, relative_timestamp_seconds, start_time, end_time,
				language, wall_clock_timestamp, metadata
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			r.RoomID, r.STTSessionID, r.ParticipantID, r.Text, r.IsFinal,
			r.Confidence, r.RelativeTimestamp, r.StartTime, r.EndTime,
			r.Language, r.WallClock, md)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: insert transcript batch: %w", err)
		}
	}
	return nil
}

// TranscriptTextForRoom renders the room's timeline as speaker-tagged
// lines ordered by relative timestamp. Consumed by the AI jobs driver
// when building analysis prompts.
func (s *Store) TranscriptTextForRoom(ctx context.Context, roomID string) (string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.identity, t.text
		FROM transcripts t
		JOIN participants p ON p.id = t.participant_id
		WHERE t.room_id = $1
		ORDER BY t.relative_timestamp_seconds ASC`,
		roomID)
	if err != nil {
		return "", fmt.Errorf("store: transcript text: %w", err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var identity, text string
		if err := rows.Scan(&identity, &text); err != nil {
			return "", fmt.Errorf("store: transcript text: scan: %w", err)
		}
		out = append(out, identity...)
		out = append(out, ": "...)
		out = append(out, text...)
		out = append(out, '\n')
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("store: transcript text: %w", err)
	}
	return string(out), nil
}
