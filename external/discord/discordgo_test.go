package discord

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/meetscribe/internal/audio"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestSession(t *testing.T, rt roundTripFunc) *discordgo.Session {
	t.Helper()
	s, err := discordgo.New("Bot test-token")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if rt != nil {
		s.Client = &http.Client{Transport: rt}
	}
	return s
}

func noREST(t *testing.T) roundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected REST call: %s %s", req.Method, req.URL.String())
		return nil, nil
	}
}

func member(userID string, bot bool) *discordgo.Member {
	return &discordgo.Member{User: &discordgo.User{ID: userID, Bot: bot}}
}

func addGuild(t *testing.T, s *discordgo.Session, states ...*discordgo.VoiceState) {
	t.Helper()
	if err := s.State.GuildAdd(&discordgo.Guild{ID: "guild-1", VoiceStates: states}); err != nil {
		t.Fatalf("failed to add guild to state: %v", err)
	}
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		target  string
		guild   string
		channel string
		wantErr bool
	}{
		{target: "discord://123/456", guild: "123", channel: "456"},
		{target: "123/456", guild: "123", channel: "456"},
		{target: " discord://123/456/ ", guild: "123", channel: "456"},
		{target: "discord://123", wantErr: true},
		{target: "https://meet.example.com/abc", wantErr: true},
		{target: "", wantErr: true},
		{target: "/456", wantErr: true},
	}
	for _, tc := range cases {
		guild, channel, err := ParseTarget(tc.target)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.target, err)
		}
		if guild != tc.guild || channel != tc.channel {
			t.Fatalf("%q: got %s/%s", tc.target, guild, channel)
		}
	}
}

func TestCountParticipants_ExcludesSelfAndBots(t *testing.T) {
	s := newTestSession(t, noREST(t))
	addGuild(t, s,
		&discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "bot-self", Member: member("bot-self", true)},
		&discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "user-1", Member: member("user-1", false)},
		&discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "music-bot", Member: member("music-bot", true)},
		&discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-2", UserID: "user-2", Member: member("user-2", false)},
	)

	c := &Client{session: s, botUserID: "bot-self"}
	if got := c.countParticipants("guild-1", "vc-1"); got != 1 {
		t.Fatalf("expected 1 participant, got %d", got)
	}
	c.countOtherBots = true
	if got := c.countParticipants("guild-1", "vc-1"); got != 2 {
		t.Fatalf("expected 2 participants with bots counted, got %d", got)
	}
}

func TestCountParticipants_FallsBackToRESTForBotFlag(t *testing.T) {
	s := newTestSession(t, func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/users/user-9") {
			t.Fatalf("unexpected request path: %s", req.URL.Path)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Status:     "200 OK",
			Body:       io.NopCloser(strings.NewReader(`{"id":"user-9","username":"recorder","bot":true}`)),
			Header:     make(http.Header),
		}, nil
	})
	addGuild(t, s, &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "user-9"})

	c := &Client{session: s, botUserID: "bot-self"}
	if got := c.countParticipants("guild-1", "vc-1"); got != 0 {
		t.Fatalf("expected REST-resolved bot to be excluded, got %d", got)
	}
}

func TestIsRetryableJoinError(t *testing.T) {
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	if isRetryableJoinError(forbidden) {
		t.Fatal("403 must not be retried")
	}
	if !isRetryableJoinError(errors.New("websocket closed with code 4006")) {
		t.Fatal("gateway errors should be retried")
	}
}

type fakeMixer struct {
	mu     sync.Mutex
	pcm    []byte
	closed bool
}

func (m *fakeMixer) WriteOpusPacket(string, []byte) {}

func (m *fakeMixer) ReadMixedPCM(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(buf, m.pcm), nil
}

func (m *fakeMixer) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func newTrackedStream(t *testing.T, c *Client, mixer audio.Mixer) *voiceStream {
	t.Helper()
	st := newVoiceStream("guild-1", "vc-1", nil, mixer, func(s *voiceStream) { c.release("guild-1", s) })
	c.streams = map[string]*voiceStream{"guild-1": st}
	return st
}

func TestOnVoiceStateUpdate_EndsWhenChannelEmpties(t *testing.T) {
	s := newTestSession(t, noREST(t))
	addGuild(t, s, &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "user-1", Member: member("user-1", false)})
	c := &Client{session: s, botUserID: "bot-self"}
	st := newTrackedStream(t, c, &fakeMixer{})

	c.onVoiceStateUpdate(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-1", UserID: "user-1"}})
	if !st.wasOccupied() {
		t.Fatal("expected stream to be marked occupied")
	}

	guild, err := s.State.Guild("guild-1")
	if err != nil {
		t.Fatalf("guild: %v", err)
	}
	guild.VoiceStates = nil
	c.onVoiceStateUpdate(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "", UserID: "user-1"}})

	select {
	case <-st.Ended():
	default:
		t.Fatal("expected end signal after the last participant left")
	}
}

func TestOnVoiceStateUpdate_EmptyChannelBeforeAnyoneJoinedDoesNotEnd(t *testing.T) {
	s := newTestSession(t, noREST(t))
	addGuild(t, s)
	c := &Client{session: s, botUserID: "bot-self"}
	st := newTrackedStream(t, c, &fakeMixer{})

	c.onVoiceStateUpdate(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "vc-7", UserID: "user-1"}})
	select {
	case <-st.Ended():
		t.Fatal("bot joined early; an empty channel must not end the meeting")
	default:
	}
}

func TestOnVoiceStateUpdate_BotMovedClosesFrames(t *testing.T) {
	s := newTestSession(t, noREST(t))
	addGuild(t, s)
	c := &Client{session: s, botUserID: "bot-self"}
	st := newTrackedStream(t, c, &fakeMixer{})
	st.start()
	defer st.Disconnect()

	c.onVoiceStateUpdate(&discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-1", ChannelID: "", UserID: "bot-self"}})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-st.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames channel was not closed after the bot left")
		}
	}
}

func TestVoiceStream_PumpsSilenceAndMixedAudio(t *testing.T) {
	mixer := &fakeMixer{pcm: []byte{1, 2, 3, 4}}
	c := &Client{}
	st := newTrackedStream(t, c, mixer)
	st.start()

	select {
	case frame := <-st.Frames():
		if len(frame) != coreFrameBytes {
			t.Fatalf("expected %d bytes, got %d", coreFrameBytes, len(frame))
		}
		if frame[0] != 1 || frame[3] != 4 || frame[4] != 0 {
			t.Fatalf("unexpected frame head %v", frame[:6])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame produced")
	}

	if err := st.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	for range st.Frames() {
	}
	if !mixer.closed {
		t.Fatal("expected mixer to be closed")
	}
	if _, tracked := c.streams["guild-1"]; tracked {
		t.Fatal("expected stream to be released")
	}
}
