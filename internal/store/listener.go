package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyChannel is the pg_notify channel the room trigger publishes on.
const notifyChannel = "room_available"

// Listener holds one long-lived SQL connection in LISTEN mode on the
// room_available channel and delivers decoded [RoomEvent] payloads.
// It reconnects with a fixed backoff when the connection drops and
// stops when its context is cancelled.
type Listener struct {
	dsn    string
	retry  time.Duration
	events chan RoomEvent
}

// NewListener creates a listener for the direct SQL connection string.
// The returned listener does nothing until [Listener.Run] is called.
func NewListener(dsn string, retry time.Duration) *Listener {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Listener{
		dsn:    dsn,
		retry:  retry,
		events: make(chan RoomEvent, 16),
	}
}

// Events returns the channel of decoded notifications. It is closed
// when Run returns.
func (l *Listener) Events() <-chan RoomEvent { return l.events }

// Run connects, listens, and blocks until ctx is cancelled. Connection
// failures are logged and retried; malformed payloads are logged at
// debug and skipped.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.events)

	for {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("notify listener disconnected, retrying", "err", err, "retry_in", l.retry)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// listenOnce holds one LISTEN connection until it fails or ctx ends.
func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening for room notifications", "channel", notifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}

		var ev RoomEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			slog.Debug("ignoring malformed room notification", "payload", n.Payload, "err", err)
			continue
		}

		select {
		case l.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// A full channel means the consumer is mid-claim; dropping
			// is safe because polling will still find the room.
			slog.Debug("dropping room notification, consumer busy", "room_id", ev.RoomID)
		}
	}
}
