package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Capture frames are delivered in this format, the transcription-side
// standard the rest of the pipeline expects.
const (
	captureSampleRate = 16000
	captureChannels   = 1
)

// opusFrameDuration is the wire pacing quantum; Discord expects one Opus
// frame per 20 ms.
const opusFrameDuration = time.Duration(opusFrameSizeMs) * time.Millisecond

// Conn is one joined voice channel carrying one conversation. Its Source
// merges all participants into a single 16 kHz mono capture stream; its
// Sink plays scheduled buffers into the channel. Safe for concurrent use.
type Conn struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	logger    *slog.Logger

	source *voiceSource
	sink   *voiceSink

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; replaced in tests.
	disconnectVC func() error
}

// newConn attaches to an already-joined voice connection and starts the
// receive loop.
func newConn(vc *discordgo.VoiceConnection, guildID, channelID string, logger *slog.Logger) (*Conn, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		logger:       logger,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.source = newVoiceSource(c.done)
	c.sink = &voiceSink{conn: c, enc: enc}

	go c.recvLoop()
	return c, nil
}

// GuildID returns the joined guild.
func (c *Conn) GuildID() string { return c.guildID }

// ChannelID returns the joined voice channel.
func (c *Conn) ChannelID() string { return c.channelID }

// Source returns the capture face of the channel.
func (c *Conn) Source() audio.Source { return c.source }

// Sink returns the playback face of the channel.
func (c *Conn) Sink() audio.Sink { return c.sink }

// Done returns a channel closed once the Conn is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close leaves the voice channel and stops all background work. Safe to
// call more than once; subsequent calls return nil.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.source.shutdown()
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		c.logger.Info("discord: left voice channel", "guild", c.guildID, "channel", c.channelID)
	})
	return err
}

// recvLoop drains Discord's Opus stream: packets are decoded per SSRC so
// each speaker keeps their own decoder state, downmixed and resampled to
// the capture format, and merged into the single source stream.
func (c *Conn) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					c.logger.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				c.logger.Warn("discord: opus decode", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			mono := audio.StereoToMono(pcm)
			c.source.deliver(audio.ResampleMono16(mono, opusSampleRate, captureSampleRate))
		}
	}
}

// setSpeaking notifies Discord about our transmit state.
func (c *Conn) setSpeaking(on bool) {
	if err := c.vc.Speaking(on); err != nil {
		c.logger.Warn("discord: speaking notification", "speaking", on, "error", err)
	}
}
