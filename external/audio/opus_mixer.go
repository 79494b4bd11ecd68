//go:build opus

package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/meetscribe/internal/audio"
	"github.com/hraban/opus"
)

const (
	frameSizeMs       = 20
	platformFrameLen  = audio.PlatformSampleRate * frameSizeMs * audio.PlatformChannels / 1000
	maxQueuedFrames   = 50
	speakerIdleExpiry = 5 * time.Minute
)

type speaker struct {
	decoder  *opus.Decoder
	frames   [][]int16
	lastSeen time.Time
}

// OpusMixer decodes each speaker separately and sums one frame per speaker on every read.
type OpusMixer struct {
	mu       sync.Mutex
	speakers map[string]*speaker
	closed   bool
	now      func() time.Time
}

func NewOpusMixer() audio.Mixer {
	return &OpusMixer{
		speakers: make(map[string]*speaker),
		now:      time.Now,
	}
}

func (m *OpusMixer) WriteOpusPacket(speakerID string, packet []byte) {
	if len(packet) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	s, ok := m.speakers[speakerID]
	if !ok {
		dec, err := opus.NewDecoder(audio.PlatformSampleRate, audio.PlatformChannels)
		if err != nil {
			slog.Warn("failed to create opus decoder", "speaker", speakerID, "error", err)
			return
		}
		s = &speaker{decoder: dec}
		m.speakers[speakerID] = s
	}
	s.lastSeen = m.now()

	pcm := make([]int16, platformFrameLen)
	n, err := s.decoder.Decode(packet, pcm)
	if err != nil || n == 0 {
		return
	}
	total := min(n*audio.PlatformChannels, platformFrameLen)
	if len(s.frames) >= maxQueuedFrames {
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, pcm[:total])
}

func (m *OpusMixer) ReadMixedPCM(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, nil
	}
	m.evictIdle()

	mixed := make([]int16, platformFrameLen)
	heard := false
	for _, s := range m.speakers {
		if len(s.frames) == 0 {
			continue
		}
		frame := s.frames[0]
		s.frames = s.frames[1:]
		heard = true
		for i := 0; i < len(frame); i++ {
			mixed[i] = clampPCM(int32(mixed[i]) + int32(frame[i]))
		}
	}
	if !heard {
		return 0, nil
	}
	return audio.PutSamples(buf, audio.ToCoreFormat(mixed)), nil
}

func (m *OpusMixer) evictIdle() {
	cutoff := m.now().Add(-speakerIdleExpiry)
	for id, s := range m.speakers {
		if len(s.frames) == 0 && s.lastSeen.Before(cutoff) {
			delete(m.speakers, id)
		}
	}
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func (m *OpusMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.speakers = nil
}
