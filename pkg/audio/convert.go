package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter adapts frames to a target format, typically synthesised
// speech to the playback device format. It warns once on the first mismatch
// and once on misaligned PCM. Use one converter per stream.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame that already matches
// is returned as is. Misaligned PCM (an odd byte count, or a partial
// multi-channel sample) yields a frame with nil Data.
func (c *FormatConverter) Convert(frame Frame) Frame {
	out := Frame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM, dropping frame",
				"bytes", len(frame.Data), "format", Of(frame))
		})
		return out
	}
	if Of(frame) == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Debug("audio converter: converting", "from", Of(frame), "to", c.Target)
	})

	pcm := frame.Data
	channels := frame.Channels

	// Downmix before resampling so fewer samples are interpolated, upmix
	// after for the same reason.
	if channels == 2 && c.Target.Channels == 1 {
		pcm, channels = StereoToMono(pcm), 1
	}
	pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	out.Data = pcm
	return out
}

// ConvertStream converts every frame from in, dropping frames that fail
// alignment. The returned channel closes when in closes.
func ConvertStream(in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			if converted := conv.Convert(frame); len(converted.Data) > 0 {
				out <- converted
			}
		}
	}()
	return out
}

func sample(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
}

func putSample(pcm []byte, i int, v int32) {
	binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(clamp16(v))))
}

func clamp16(v int32) int32 {
	return min(max(v, -32768), 32767)
}

// MonoToStereo duplicates every mono sample into an L/R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sample(pcm, i)
		putSample(out, 2*i, s)
		putSample(out, 2*i+1, s)
	}
	return out
}

// StereoToMono averages each L/R pair.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		putSample(out, i, (sample(pcm, 2*i)+sample(pcm, 2*i+1))/2)
	}
	return out
}

// Resample16 converts interleaved int16 PCM with the given channel count
// from srcRate to dstRate by linear interpolation. Equal or invalid rates
// return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0+(s1-s0)*frac))
		}
	}
	return out
}

// formatString renders a format as e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
