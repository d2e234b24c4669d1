package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Client control message types.
const (
	msgHello   = "hello"
	msgEnter   = "enter"
	msgExit    = "exit"
	msgSendNow = "send_now"
)

// Server event types.
const (
	msgState         = "state"
	msgTranscript    = "transcript"
	msgAssistantText = "assistant_text"
	msgNotice        = "notice"
	msgAudioStart    = "audio_start"
)

// outboundBuffer is the capacity of the single ordered outbound queue. JSON
// events and paced audio frames share it so an audio_start header can never
// be overtaken by its own frames.
const outboundBuffer = 256

// clientMessage is the decode shape for every client JSON message.
type clientMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// stateMessage reports a conversation state transition to the client.
type stateMessage struct {
	Type         string `json:"type"`
	Phase        string `json:"phase"`
	CanInterrupt bool   `json:"can_interrupt"`
}

// textMessage carries transcript, assistant_text and notice events.
type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// audioStartMessage announces a scheduled playback buffer. The binary frames
// that follow it, paced at 20 ms, add up to the declared duration.
type audioStartMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	DurationMS int64  `json:"duration_ms"`
}

// outboundMsg is one queued WebSocket message.
type outboundMsg struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one live bridge connection. The [SessionFactory] receives it after
// the handshake; its Source and Sink are the audio faces of the client, and
// the Send methods push conversation events back. All methods are safe for
// concurrent use.
type Conn struct {
	id     string
	ws     *websocket.Conn
	format audio.Format
	logger *slog.Logger

	outbound chan outboundMsg
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	source *clientSource
	sink   *clientSink
}

func newConn(id string, ws *websocket.Conn, format audio.Format, logger *slog.Logger) *Conn {
	c := &Conn{
		id:       id,
		ws:       ws,
		format:   format,
		logger:   logger,
		outbound: make(chan outboundMsg, outboundBuffer),
		done:     make(chan struct{}),
	}
	c.source = newClientSource(format, c.done)
	c.sink = &clientSink{conn: c}
	return c
}

// ID is the conversation key for this client.
func (c *Conn) ID() string { return c.id }

// Format is the mic format the client declared in its hello.
func (c *Conn) Format() audio.Format { return c.format }

// Source returns the capture face of the connection. Frames carry the hello
// format; gaps in the client's mic stream are padded with silence.
func (c *Conn) Source() audio.Source { return c.source }

// Sink returns the playback face of the connection. Scheduled buffers are
// paced out to the client in 20 ms frames from their scheduled start.
func (c *Conn) Sink() audio.Sink { return c.sink }

// Done returns a channel closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendState reports a state transition to the client.
func (c *Conn) SendState(phase string, canInterrupt bool) {
	c.sendJSON(stateMessage{Type: msgState, Phase: phase, CanInterrupt: canInterrupt})
}

// SendTranscript delivers a final user transcript.
func (c *Conn) SendTranscript(text string) {
	c.sendJSON(textMessage{Type: msgTranscript, Text: text})
}

// SendAssistantText delivers one streamed reply text delta.
func (c *Conn) SendAssistantText(delta string) {
	c.sendJSON(textMessage{Type: msgAssistantText, Text: delta})
}

// SendNotice delivers a toast-class notice.
func (c *Conn) SendNotice(text string) {
	c.sendJSON(textMessage{Type: msgNotice, Text: text})
}

func (c *Conn) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("wsbridge: marshal event", "client", c.id, "error", err)
		return false
	}
	return c.enqueue(outboundMsg{typ: websocket.MessageText, data: data})
}

// enqueue queues one message for the write loop, blocking until there is
// room or the connection dies.
func (c *Conn) enqueue(m outboundMsg) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- m:
		return true
	case <-c.done:
		return false
	}
}

// enqueueUntil is enqueue with an extra abort channel, used by playback
// pacing so a stopped buffer never stays blocked on a full queue.
func (c *Conn) enqueueUntil(m outboundMsg, abort <-chan struct{}) bool {
	select {
	case c.outbound <- m:
		return true
	case <-abort:
		return false
	case <-c.done:
		return false
	}
}

// close marks the connection dead. Idempotent; unblocks every queued sender
// and the silence filler.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// writeLoop is the single writer on the WebSocket. It drains the outbound
// queue after close so pending events still reach a live client.
func (c *Conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case m := <-c.outbound:
			if err := c.ws.Write(ctx, m.typ, m.data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case m := <-c.outbound:
					if err := c.ws.Write(ctx, m.typ, m.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop consumes client messages until the connection errors out. Binary
// frames feed the capture face; text frames are control messages.
func (c *Conn) readLoop(ctx context.Context, sess Session) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.source.deliver(data)
		case websocket.MessageText:
			c.handleControl(ctx, sess, data)
		}
	}
}

func (c *Conn) handleControl(ctx context.Context, sess Session, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("wsbridge: ignoring malformed control message", "client", c.id, "error", err)
		return
	}

	switch msg.Type {
	case msgEnter:
		if err := sess.Enter(ctx); err != nil {
			c.logger.Warn("wsbridge: enter failed", "client", c.id, "error", err)
			c.SendNotice("could not start the conversation")
		}
	case msgExit:
		if err := sess.Exit(); err != nil {
			c.logger.Warn("wsbridge: exit failed", "client", c.id, "error", err)
		}
	case msgSendNow:
		sess.SendNow()
	case msgHello:
		// Format renegotiation is not supported; the handshake format holds
		// for the connection's lifetime.
		c.logger.Debug("wsbridge: duplicate hello ignored", "client", c.id)
	default:
		c.logger.Debug("wsbridge: unknown control message", "client", c.id, "type", msg.Type)
	}
}
