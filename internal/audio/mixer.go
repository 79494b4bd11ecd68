package audio

import "encoding/binary"

// Platform audio is 48 kHz interleaved stereo; the core works on 16 kHz mono.
const (
	PlatformSampleRate = 48000
	PlatformChannels   = 2
	CoreSampleRate     = 16000

	decimation = PlatformSampleRate / CoreSampleRate
)

// Mixer merges per-speaker opus packets into one PCM stream. ReadMixedPCM writes one
// 20ms frame of core-format audio and returns 0 when nothing is queued.
type Mixer interface {
	WriteOpusPacket(speakerID string, opus []byte)
	ReadMixedPCM(buf []byte) (int, error)
	Close()
}

type MixerFactory func() Mixer

// ToCoreFormat folds interleaved 48 kHz stereo samples into 16 kHz mono by averaging each
// group of three stereo frames.
func ToCoreFormat(stereo []int16) []int16 {
	frames := len(stereo) / PlatformChannels
	out := make([]int16, frames/decimation)
	for i := range out {
		var sum int32
		base := i * decimation * PlatformChannels
		for j := 0; j < decimation*PlatformChannels; j++ {
			sum += int32(stereo[base+j])
		}
		out[i] = int16(sum / int32(decimation*PlatformChannels))
	}
	return out
}

// PutSamples encodes samples as little-endian into buf and returns the bytes written.
func PutSamples(buf []byte, samples []int16) int {
	n := len(buf) / 2
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(samples[i]))
	}
	return n * 2
}

// IsSilent reports whether every sample in pcm stays within threshold of zero.
func IsSilent(pcm []byte, threshold int16) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v > threshold || v < -threshold {
			return false
		}
	}
	return true
}
