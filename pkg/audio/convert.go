// Package audio holds the PCM primitives of the transcription path:
// Opus decoding, channel downmix, and sample-rate conversion. All PCM
// is little-endian int16.
package audio

import "fmt"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Normalizer converts decoded PCM of one source format to a fixed
// target format. Downmix happens before resampling so multi-channel
// input is never resampled twice. The downmix writes into a scratch
// buffer that grows to the largest frame seen and is reused across
// calls, so a steady stream does not allocate per frame. Create one
// per track; not safe for shared use across goroutines.
type Normalizer struct {
	Source Format
	Target Format

	scratch []byte
}

// Normalize converts one PCM buffer. When source and target already
// match, the input is returned unchanged. Buffers with an odd byte
// count are dropped (nil return). The returned slice may alias the
// reused scratch buffer and is only valid until the next call; callers
// that retain it must copy.
func (n *Normalizer) Normalize(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		return nil
	}
	if n.Source == n.Target {
		return pcm
	}

	channels := n.Source.Channels
	if channels > 1 && n.Target.Channels == 1 {
		pcm = n.downmix(pcm)
		channels = 1
	}
	if n.Source.SampleRate != n.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, n.Source.SampleRate, n.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, n.Source.SampleRate, n.Target.SampleRate)
		}
	}
	return pcm
}

// Release drops the scratch buffer. Call when the track stops so a
// finished pipeline does not pin its largest frame.
func (n *Normalizer) Release() { n.scratch = nil }

// buffer returns a scratch slice of exactly size bytes, growing the
// backing array when needed.
func (n *Normalizer) buffer(size int) []byte {
	if cap(n.scratch) < size {
		n.scratch = make([]byte, size)
	}
	return n.scratch[:size]
}

// downmix reduces interleaved multi-channel PCM to mono in the scratch
// buffer. Stereo averages both channels; sources with more than two
// channels keep the first channel only.
func (n *Normalizer) downmix(pcm []byte) []byte {
	ch := n.Source.Channels
	frameBytes := ch * 2
	frames := len(pcm) / frameBytes
	out := n.buffer(frames * 2)

	if ch == 2 {
		stereoToMonoInto(out, pcm)
		return out
	}
	for i := range frames {
		out[i*2] = pcm[i*frameBytes]
		out[i*2+1] = pcm[i*frameBytes+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to the
// int16 range.
func StereoToMono(pcm []byte) []byte {
	out := make([]byte, len(pcm)/4*2)
	stereoToMonoInto(out, pcm)
	return out
}

// stereoToMonoInto averages stereo frames of pcm into dst, which must
// hold len(pcm)/4 mono samples.
func stereoToMonoInto(dst, pcm []byte) {
	frames := len(pcm) / 4
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		dst[i*2] = byte(avg)
		dst[i*2+1] = byte(avg >> 8)
	}
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate
// using linear interpolation. If srcRate == dstRate the input is
// returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate
// to dstRate using linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8
		l1, r1 := l0, r0
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		}

		lv := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rv := int16(float64(r0)*(1-frac) + float64(r1)*frac)
		out[i*4] = byte(lv)
		out[i*4+1] = byte(lv >> 8)
		out[i*4+2] = byte(rv)
		out[i*4+3] = byte(rv >> 8)
	}
	return out
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
