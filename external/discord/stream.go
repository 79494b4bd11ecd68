package discord

import (
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/meetscribe/internal/audio"
)

const (
	frameInterval = 20 * time.Millisecond
	// 20ms of 16 kHz mono s16le.
	coreFrameBytes = audio.CoreSampleRate * 2 * int(frameInterval/time.Millisecond) / 1000
	frameBuffer    = 50
)

// voiceStream pumps one mixed frame every 20ms. Gaps are filled with silence so the
// transcript timeline follows wall-clock time.
type voiceStream struct {
	guildID   string
	channelID string
	vc        *discordgo.VoiceConnection
	mixer     audio.Mixer
	onClose   func(*voiceStream)

	frames chan []byte
	ended  chan struct{}
	lost   chan struct{}
	done   chan struct{}

	endOnce   sync.Once
	loseOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	occupied bool
}

func newVoiceStream(guildID, channelID string, vc *discordgo.VoiceConnection, mixer audio.Mixer, onClose func(*voiceStream)) *voiceStream {
	return &voiceStream{
		guildID:   guildID,
		channelID: channelID,
		vc:        vc,
		mixer:     mixer,
		onClose:   onClose,
		frames:    make(chan []byte, frameBuffer),
		ended:     make(chan struct{}),
		lost:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *voiceStream) Frames() <-chan []byte  { return s.frames }
func (s *voiceStream) Ended() <-chan struct{} { return s.ended }

func (s *voiceStream) start() {
	s.wg.Add(2)
	go s.receive()
	go s.pump()
}

// receive maps SSRCs to speakers and feeds the mixer.
func (s *voiceStream) receive() {
	defer s.wg.Done()
	if s.vc == nil || s.vc.OpusRecv == nil {
		return
	}
	ssrcToUser := make(map[uint32]string)
	var mu sync.RWMutex
	s.vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		mu.Lock()
		if vs.Speaking {
			ssrcToUser[uint32(vs.SSRC)] = vs.UserID
		}
		mu.Unlock()
	})
	for {
		select {
		case <-s.done:
			return
		case p, ok := <-s.vc.OpusRecv:
			if !ok {
				s.lose()
				return
			}
			if p == nil || len(p.Opus) == 0 {
				continue
			}
			mu.RLock()
			userID := ssrcToUser[p.SSRC]
			mu.RUnlock()
			if userID == "" {
				userID = strconv.FormatUint(uint64(p.SSRC), 10)
			}
			s.mixer.WriteOpusPacket(userID, p.Opus)
		}
	}
}

func (s *voiceStream) pump() {
	defer s.wg.Done()
	defer close(s.frames)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.lost:
			return
		case <-ticker.C:
		}
		frame := make([]byte, coreFrameBytes)
		// A short or empty read leaves the rest of the frame silent.
		_, _ = s.mixer.ReadMixedPCM(frame)
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		case <-s.lost:
			return
		}
	}
}

func (s *voiceStream) markOccupied() {
	s.mu.Lock()
	s.occupied = true
	s.mu.Unlock()
}

func (s *voiceStream) wasOccupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupied
}

func (s *voiceStream) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *voiceStream) lose() {
	s.loseOnce.Do(func() { close(s.lost) })
}

func (s *voiceStream) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.vc != nil {
			err = s.vc.Disconnect()
		}
		s.mixer.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return err
}
