//go:build !opus

package audio

import "github.com/foxseedlab/meetscribe/internal/audio"

// Without libopus the mixer yields no audio; the platform adapter pads the stream with
// silence so sessions still run and end on their timers.
type noopMixer struct{}

func NewOpusMixer() audio.Mixer {
	return noopMixer{}
}

func (noopMixer) WriteOpusPacket(string, []byte) {}

func (noopMixer) ReadMixedPCM([]byte) (int, error) {
	return 0, nil
}

func (noopMixer) Close() {}
