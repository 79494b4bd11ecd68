package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/meetscribe/internal/audio"
	"github.com/foxseedlab/meetscribe/internal/meeting"
)

const targetScheme = "discord://"

var errGuildBusy = errors.New("bot is already attending a voice channel in this guild")

// Client attends Discord voice channels. One gateway session is shared by all joins and
// at most one stream per guild exists at a time.
type Client struct {
	token          string
	countOtherBots bool
	newMixer       audio.MixerFactory

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	streams   map[string]*voiceStream
}

func NewClient(token string, countOtherBots bool, newMixer audio.MixerFactory) *Client {
	return &Client{
		token:          token,
		countOtherBots: countOtherBots,
		newMixer:       newMixer,
		streams:        make(map[string]*voiceStream),
	}
}

// ParseTarget accepts discord://<guild>/<channel> or <guild>/<channel>.
func ParseTarget(target string) (guildID, channelID string, err error) {
	rest := strings.TrimPrefix(strings.TrimSpace(target), targetScheme)
	guildID, channelID, ok := strings.Cut(rest, "/")
	channelID = strings.TrimSuffix(channelID, "/")
	if !ok || guildID == "" || channelID == "" || strings.Contains(channelID, "/") {
		return "", "", fmt.Errorf("invalid discord join target %q", target)
	}
	return guildID, channelID, nil
}

func (c *Client) Join(ctx context.Context, target string) (meeting.Stream, error) {
	guildID, channelID, err := ParseTarget(target)
	if err != nil {
		return nil, &meeting.JoinError{Target: target, Err: err}
	}
	if err := c.connect(); err != nil {
		return nil, &meeting.JoinError{Target: target, Retryable: true, Err: fmt.Errorf("connect gateway: %w", err)}
	}

	c.mu.Lock()
	if _, busy := c.streams[guildID]; busy {
		c.mu.Unlock()
		return nil, &meeting.JoinError{Target: target, Err: errGuildBusy}
	}
	c.streams[guildID] = nil
	c.mu.Unlock()

	vc, err := c.joinVoice(ctx, guildID, channelID)
	if err != nil {
		c.release(guildID, nil)
		return nil, &meeting.JoinError{Target: target, Retryable: isRetryableJoinError(err), Err: err}
	}

	stream := newVoiceStream(guildID, channelID, vc, c.newMixer(), func(s *voiceStream) { c.release(guildID, s) })
	c.mu.Lock()
	c.streams[guildID] = stream
	c.mu.Unlock()
	if c.countParticipants(guildID, channelID) > 0 {
		stream.markOccupied()
	}
	stream.start()
	slog.Info("joined discord voice channel", "guild_id", guildID, "channel_id", channelID)
	return stream, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return err
	}
	s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates)
	s.State.TrackVoice = true
	s.AddHandler(func(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		c.onVoiceStateUpdate(vs)
	})
	if err := s.Open(); err != nil {
		return err
	}
	c.session = s
	if s.State != nil && s.State.User != nil {
		c.botUserID = s.State.User.ID
		return nil
	}
	u, err := s.User("@me")
	if err != nil {
		_ = s.Close()
		c.session = nil
		return err
	}
	c.botUserID = u.ID
	return nil
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

func (c *Client) joinVoice(ctx context.Context, guildID, channelID string) (*discordgo.VoiceConnection, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	done := make(chan joinResult, 1)
	go func() {
		vc, err := s.ChannelVoiceJoin(guildID, channelID, true, false)
		done <- joinResult{vc: vc, err: err}
	}()
	select {
	case r := <-done:
		return r.vc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("voice join: %w", ctx.Err())
	}
}

func (c *Client) release(guildID string, s *voiceStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.streams[guildID]; ok && cur == s {
		delete(c.streams, guildID)
	}
}

func (c *Client) onVoiceStateUpdate(vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID == "" || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	stream := c.streams[vs.GuildID]
	botUserID := c.botUserID
	c.mu.Unlock()
	if stream == nil {
		return
	}
	if vs.UserID == botUserID {
		if vs.ChannelID != stream.channelID {
			slog.Warn("bot left the voice channel", "guild_id", vs.GuildID, "channel_id", stream.channelID, "now_in", vs.ChannelID)
			stream.lose()
		}
		return
	}
	if c.countParticipants(vs.GuildID, stream.channelID) > 0 {
		stream.markOccupied()
		return
	}
	if stream.wasOccupied() {
		slog.Info("voice channel emptied", "guild_id", vs.GuildID, "channel_id", stream.channelID)
		stream.end()
	}
}

// countParticipants counts users in the channel other than the bot itself; other bots
// count only when configured to.
func (c *Client) countParticipants(guildID, channelID string) int {
	if c.session == nil || c.session.State == nil {
		return 0
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return 0
	}
	seen := make(map[string]struct{})
	n := 0
	for _, state := range guild.VoiceStates {
		if state == nil || state.ChannelID != channelID || state.UserID == "" || state.UserID == c.botUserID {
			continue
		}
		if _, exists := seen[state.UserID]; exists {
			continue
		}
		seen[state.UserID] = struct{}{}
		if !c.countOtherBots && c.resolveUserIsBot(guildID, state.UserID, state) {
			continue
		}
		n++
	}
	return n
}

func (c *Client) resolveUserIsBot(guildID, userID string, state *discordgo.VoiceState) bool {
	if isBot, ok := botFlagFromVoiceState(state); ok {
		return isBot
	}
	if isBot, ok := c.botFlagFromSessionState(guildID, userID); ok {
		return isBot
	}
	return c.botFlagFromUserAPI(userID)
}

func botFlagFromVoiceState(state *discordgo.VoiceState) (bool, bool) {
	if state != nil && state.Member != nil && state.Member.User != nil {
		return state.Member.User.Bot, true
	}
	return false, false
}

func (c *Client) botFlagFromSessionState(guildID, userID string) (bool, bool) {
	if c.session == nil || c.session.State == nil {
		return false, false
	}
	member, err := c.session.State.Member(guildID, userID)
	if err == nil && member != nil && member.User != nil {
		return member.User.Bot, true
	}
	return false, false
}

func (c *Client) botFlagFromUserAPI(userID string) bool {
	u, err := c.session.User(userID)
	if err != nil {
		return false
	}
	return u.Bot
}

// Missing permissions and unknown channels will not heal on retry.
func isRetryableJoinError(err error) bool {
	switch restStatus(err) {
	case http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return true
}

func restStatus(err error) int {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return 0
	}
	return restErr.Response.StatusCode
}

// Shutdown disconnects every open stream and closes the gateway session.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	streams := make([]*voiceStream, 0, len(c.streams))
	for _, s := range c.streams {
		if s != nil {
			streams = append(streams, s)
		}
	}
	s := c.session
	c.mu.Unlock()

	for _, st := range streams {
		_ = st.Disconnect()
	}
	if s != nil {
		return s.Close()
	}
	return nil
}
