package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — coordination tables
// ─────────────────────────────────────────────────────────────────────────────

const ddlRooms = `
CREATE TABLE IF NOT EXISTS rooms (
    id                    UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    name                  TEXT         NOT NULL,
    server_ref            TEXT         NOT NULL DEFAULT 'default',
    status                TEXT         NOT NULL DEFAULT 'pending',
    organization_id       TEXT         NOT NULL DEFAULT '',
    ai_enabled            BOOLEAN      NOT NULL DEFAULT true,
    transcription_enabled BOOLEAN      NOT NULL DEFAULT true,
    empty_timeout_seconds INTEGER      NOT NULL DEFAULT 60,
    owner_worker_id       UUID,
    owner_claimed_at      TIMESTAMPTZ,
    owner_heartbeat_at    TIMESTAMPTZ,
    timebase_origin       TIMESTAMPTZ,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    closed_at             TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_rooms_claimable
    ON rooms (created_at) WHERE status IN ('pending', 'active');
`

const ddlWorkers = `
CREATE TABLE IF NOT EXISTS workers (
    id                UUID         PRIMARY KEY,
    mode              TEXT         NOT NULL,
    status            TEXT         NOT NULL DEFAULT 'active',
    current_room_id   UUID,
    last_heartbeat_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_workers_heartbeat
    ON workers (last_heartbeat_at) WHERE status = 'active';
`

const ddlParticipants = `
CREATE TABLE IF NOT EXISTS participants (
    id              UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    room_id         UUID         NOT NULL REFERENCES rooms (id),
    identity        TEXT         NOT NULL,
    connection_type TEXT         NOT NULL DEFAULT '',
    joined_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    left_at         TIMESTAMPTZ,
    is_active       BOOLEAN      NOT NULL DEFAULT true,
    metadata        JSONB        NOT NULL DEFAULT '{}',
    UNIQUE (room_id, identity)
);
`

const ddlSTTSessions = `
CREATE TABLE IF NOT EXISTS stt_sessions (
    id                   UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    room_id              UUID         NOT NULL REFERENCES rooms (id),
    participant_id       UUID         NOT NULL REFERENCES participants (id),
    external_session_tag TEXT         NOT NULL DEFAULT '',
    status               TEXT         NOT NULL DEFAULT 'active',
    started_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at             TIMESTAMPTZ,
    audio_minutes        DOUBLE PRECISION NOT NULL DEFAULT 0,
    transcript_count     INTEGER      NOT NULL DEFAULT 0,
    average_confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    error_message        TEXT
);

CREATE INDEX IF NOT EXISTS idx_stt_sessions_room ON stt_sessions (room_id);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id                         UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    room_id                    UUID         NOT NULL REFERENCES rooms (id),
    stt_session_id             UUID         NOT NULL REFERENCES stt_sessions (id),
    participant_id             UUID         NOT NULL REFERENCES participants (id),
    text                       TEXT         NOT NULL,
    is_final                   BOOLEAN      NOT NULL DEFAULT true,
    confidence                 DOUBLE PRECISION NOT NULL DEFAULT 0,
    relative_timestamp_seconds DOUBLE PRECISION NOT NULL,
    start_time                 DOUBLE PRECISION NOT NULL DEFAULT 0,
    end_time                   DOUBLE PRECISION NOT NULL DEFAULT 0,
    language                   TEXT         NOT NULL DEFAULT '',
    wall_clock_timestamp       TIMESTAMPTZ  NOT NULL,
    metadata                   JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_transcripts_room_relative
    ON transcripts (room_id, relative_timestamp_seconds);
`

const ddlMediaServers = `
CREATE TABLE IF NOT EXISTS media_servers (
    ref        TEXT  PRIMARY KEY,
    url        TEXT  NOT NULL,
    api_key    TEXT  NOT NULL,
    api_secret TEXT  NOT NULL
);
`

const ddlAIJobs = `
CREATE TABLE IF NOT EXISTS ai_jobs (
    id          UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    room_id     UUID         NOT NULL REFERENCES rooms (id),
    job_type    TEXT         NOT NULL,
    priority    INTEGER      NOT NULL DEFAULT 50,
    status      TEXT         NOT NULL DEFAULT 'pending',
    payload     JSONB        NOT NULL DEFAULT '{}',
    result      TEXT,
    error       TEXT,
    attempts    INTEGER      NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at  TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ai_jobs_queue
    ON ai_jobs (priority DESC, created_at) WHERE status = 'pending';
`

// notifyTrigger emits a room_available NOTIFY on room insert and on
// updates that (re)expose a room to claiming: status returning to
// pending/active, or the owner columns being cleared.
const ddlNotifyTrigger = `
CREATE OR REPLACE FUNCTION notify_room_available() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'INSERT'
       OR (NEW.status IN ('pending', 'active') AND NEW.status IS DISTINCT FROM OLD.status)
       OR (NEW.owner_worker_id IS NULL AND OLD.owner_worker_id IS NOT NULL) THEN
        PERFORM pg_notify('room_available', json_build_object(
            'room_id',   NEW.id,
            'room_name', NEW.name,
            'status',    NEW.status,
            'event',     TG_OP
        )::text);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_room_available ON rooms;
CREATE TRIGGER trg_room_available
    AFTER INSERT OR UPDATE ON rooms
    FOR EACH ROW EXECUTE FUNCTION notify_room_available();
`

// Migrate ensures all coordination tables, indexes, and the NOTIFY
// trigger exist. Every statement is idempotent, so Migrate is safe to
// run from every worker on startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{
		ddlRooms,
		ddlWorkers,
		ddlParticipants,
		ddlSTTSessions,
		ddlTranscripts,
		ddlMediaServers,
		ddlAIJobs,
		ddlNotifyTrigger,
	} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}
