package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// realtimeTopic is the change-stream subscription for the rooms table.
	realtimeTopic = "realtime:public:rooms"

	// heartbeatEvery keeps the phoenix channel alive.
	heartbeatEvery = 30 * time.Second
)

// RoomChange is one row-level change event from the realtime stream.
type RoomChange struct {
	RoomID    string
	Status    string
	OldStatus string
	Kind      string // INSERT or UPDATE
}

// RealtimeNotifier subscribes to the conferencing store's websocket
// change stream and invokes its handler for room inserts and
// not-active-to-active transitions. It reconnects after the retry
// interval on any close or read timeout and reports health by
// last-event recency.
type RealtimeNotifier struct {
	url     string
	apiKey  string
	timeout time.Duration
	retry   time.Duration
	handler func(RoomChange)

	mu        sync.Mutex
	lastEvent time.Time
	ref       int
}

// NewRealtimeNotifier creates a notifier. handler must not block.
func NewRealtimeNotifier(url, apiKey string, timeout, retry time.Duration, handler func(RoomChange)) *RealtimeNotifier {
	return &RealtimeNotifier{
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
		retry:   retry,
		handler: handler,
	}
}

// Healthy reports whether an event arrived within the timeout window.
func (n *RealtimeNotifier) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.lastEvent.IsZero() && time.Since(n.lastEvent) < n.timeout
}

// Run drives the connect/listen/reconnect loop until ctx is cancelled.
func (n *RealtimeNotifier) Run(ctx context.Context) {
	for {
		if err := n.listenOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("realtime stream closed, reconnecting",
				"retry_in", n.retry, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.retry):
		}
	}
}

// phoenixFrame is the envelope of the change-stream protocol.
type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref"`
}

// changePayload is the row-change payload for INSERT/UPDATE events.
type changePayload struct {
	Type   string `json:"type"`
	Record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"record"`
	OldRecord struct {
		Status string `json:"status"`
	} `json:"old_record"`
}

func (n *RealtimeNotifier) nextRef() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ref++
	return strconv.Itoa(n.ref)
}

func (n *RealtimeNotifier) listenOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, n.dialURL(), nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	join, _ := json.Marshal(phoenixFrame{
		Topic: realtimeTopic,
		Event: "phx_join",
		Ref:   n.nextRef(),
	})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		return err
	}

	// Heartbeats keep the channel from being reaped server-side.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				hb, _ := json.Marshal(phoenixFrame{
					Topic: "phoenix",
					Event: "heartbeat",
					Ref:   n.nextRef(),
				})
				if err := conn.Write(hbCtx, websocket.MessageText, hb); err != nil {
					return
				}
			}
		}
	}()

	for {
		readCtx, cancel := context.WithTimeout(ctx, n.timeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return err
		}

		n.mu.Lock()
		n.lastEvent = time.Now()
		n.mu.Unlock()

		var frame phoenixFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("realtime: undecodable frame", "err", err)
			continue
		}
		if frame.Topic != realtimeTopic {
			continue
		}
		if change, ok := parseChange(frame); ok {
			n.handler(change)
		}
	}
}

func (n *RealtimeNotifier) dialURL() string {
	if n.apiKey == "" {
		return n.url
	}
	sep := "?"
	for _, c := range n.url {
		if c == '?' {
			sep = "&"
			break
		}
	}
	return n.url + sep + "apikey=" + n.apiKey
}

// parseChange extracts a RoomChange from an INSERT or qualifying
// UPDATE frame. Updates only count when the row newly became active.
func parseChange(frame phoenixFrame) (RoomChange, bool) {
	if frame.Event != "INSERT" && frame.Event != "UPDATE" {
		return RoomChange{}, false
	}
	var p changePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Record.ID == "" {
		return RoomChange{}, false
	}

	change := RoomChange{
		RoomID:    p.Record.ID,
		Status:    p.Record.Status,
		OldStatus: p.OldRecord.Status,
		Kind:      frame.Event,
	}
	if frame.Event == "UPDATE" &&
		(p.Record.Status != "active" || p.OldRecord.Status == "active") {
		return RoomChange{}, false
	}
	return change, true
}
