package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/vollawetscher/media-worker/pkg/audio"
)

// PumpTrack reads RTP from a subscribed remote audio track, decodes
// Opus at the track's negotiated clock rate, normalizes to 16 kHz mono
// PCM, and feeds the pipeline. Returns nil when the track ends (EOF)
// or ctx is cancelled; per-packet decode failures are logged and
// skipped so one corrupt packet never kills the track.
func PumpTrack(ctx context.Context, track *webrtc.TrackRemote, p *Pipeline) error {
	codec := track.Codec()
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return fmt.Errorf("transcribe: unsupported codec %q", codec.MimeType)
	}

	channels := int(codec.Channels)
	if channels == 0 {
		channels = 2
	}
	dec, err := audio.NewOpusDecoder(int(codec.ClockRate), channels)
	if err != nil {
		return fmt.Errorf("transcribe: track decoder: %w", err)
	}
	norm := &audio.Normalizer{
		Source: dec.Format(),
		Target: audio.Format{SampleRate: targetSampleRate, Channels: targetChannels},
	}
	defer norm.Release()

	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transcribe: read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			slog.Debug("opus decode failed, skipping packet",
				"track_id", track.ID(), "err", err)
			continue
		}

		if pcm = norm.Normalize(pcm); len(pcm) == 0 {
			continue
		}
		if err := p.SendPCM(pcm); err != nil {
			return fmt.Errorf("transcribe: forward pcm: %w", err)
		}
	}
}
