package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs bounds the decode buffer. Opus frames are at most
// 120 ms of audio.
const maxOpusFrameMs = 120

// OpusDecoder decodes one participant's Opus stream. Each track gets
// its own decoder so codec state stays correct across consecutive
// packets. Not safe for concurrent use.
type OpusDecoder struct {
	dec      *gopus.Decoder
	format   Format
	maxFrame int
}

// NewOpusDecoder creates a decoder for the track's negotiated clock
// rate and channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		format:   Format{SampleRate: sampleRate, Channels: channels},
		maxFrame: sampleRate * maxOpusFrameMs / 1000,
	}, nil
}

// Format returns the decoder's output PCM format.
func (d *OpusDecoder) Format() Format { return d.format }

// Decode decodes one Opus packet into interleaved little-endian int16
// PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
