package audio

import (
	"encoding/binary"
	"math"
)

// silenceRMS is the int16 RMS level below which a recording is treated as
// silence.
const silenceRMS = 300.0

// EncodeWAV wraps little-endian int16 PCM in a canonical 44-byte RIFF/WAVE
// header.
func EncodeWAV(pcm []byte, f Format) []byte {
	const headerSize = 44
	blockAlign := f.Channels * 2
	buf := make([]byte, headerSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[headerSize:], pcm)
	return buf
}

// RMS returns the root-mean-square amplitude of int16 PCM samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// IsSilent reports whether pcm is empty or quieter than the silence
// threshold.
func IsSilent(pcm []byte) bool {
	return RMS(pcm) < silenceRMS
}
