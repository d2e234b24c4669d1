// Package discord exposes a Discord voice channel as a conversation
// transport via the bwmarrin/discordgo library. Joining a channel yields a
// [Conn] whose [audio.Source] merges every participant's Opus stream,
// decoded and downmixed to 16 kHz mono capture frames, and whose
// [audio.Sink] encodes scheduled playback buffers to 48 kHz stereo Opus
// frames paced onto the voice connection.
//
// Discord clients only transmit while their speech gate is open, so the
// Source pads transmission gaps with synthetic silence; without it the
// capture silence gate would never see a quiet room. One joined channel
// carries one conversation.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Transport joins Discord voice channels. It requires an active
// *discordgo.Session, owned by the caller. Safe for concurrent use.
type Transport struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// Option configures a [Transport].
type Option func(*Transport)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a Transport on top of an established Discord session.
func New(session *discordgo.Session, opts ...Option) *Transport {
	t := &Transport{
		session: session,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Join connects to the given guild voice channel and returns the live
// [Conn]. ctx governs the join only; the Conn lives until [Conn.Close].
func (t *Transport) Join(ctx context.Context, guildID, channelID string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConn(vc, guildID, channelID, t.logger)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: attach to voice channel %q: %w", channelID, err)
	}

	t.logger.Info("discord: joined voice channel", "guild", guildID, "channel", channelID)
	return conn, nil
}
