// Package room attaches the worker to a live conferencing room: it
// joins as a hidden subscriber-only participant, mirrors participant
// lifecycle into the store, fans every audio track out to its own
// recognition pipeline, and detects call end.
package room

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/vollawetscher/media-worker/internal/store"
)

// tokenTTL bounds how long a join token stays valid. Long calls keep
// their established connection; the TTL only gates the initial join.
const tokenTTL = 12 * time.Hour

// AccessToken mints a join token for the worker: hidden, subscribe-only,
// never publishing, so attendees neither see nor hear it.
func AccessToken(server store.MediaServer, roomName, identity string) (string, error) {
	if server.APIKey == "" || server.APISecret == "" {
		return "", fmt.Errorf("room: media server %q has no API credentials", server.Ref)
	}

	canPublish := false
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		Hidden:       true,
		CanSubscribe: &canSubscribe,
		CanPublish:   &canPublish,
	}

	at := auth.NewAccessToken(server.APIKey, server.APISecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(tokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("room: sign access token: %w", err)
	}
	return token, nil
}
