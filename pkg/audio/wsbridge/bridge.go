// Package wsbridge exposes a conversation over a single WebSocket, giving
// browser clients a microphone and speaker path without any voice platform
// in between. Each connection carries both directions:
//
//   - client→server: one JSON hello declaring the mic format, then raw
//     PCM16LE binary frames plus JSON control messages (enter, exit,
//     send_now);
//   - server→client: JSON events (state, transcript, assistant_text,
//     notice) and, per scheduled playback buffer, one audio_start JSON
//     header followed by the buffer's PCM16LE binary frames paced at 20 ms.
//
// The [Bridge] is an [http.Handler]. For every accepted connection it builds
// an [audio.Source] fed by the client's binary frames and an [audio.Sink]
// that paces scheduled buffers back out, then hands both to a
// [SessionFactory] so the application can attach a conversation. When the
// client disconnects, the session is closed and the conversation torn down.
//
// A backgrounded browser tab stops delivering mic frames without closing the
// socket. The bridge pads such gaps with synthetic silence so the capture
// silence gate keeps advancing; the connection itself never times out while
// listening.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/audio"
)

const (
	// defaultHelloTimeout bounds how long a fresh connection may stall
	// before its hello message arrives.
	defaultHelloTimeout = 5 * time.Second

	// readLimit caps a single inbound WebSocket message. Mic frames are a
	// few KiB; anything near the limit is a misbehaving client.
	readLimit = 1 << 20

	minSampleRate = 8000
	maxSampleRate = 48000
)

// Session is the bridge's view of one live conversation. The bridge maps
// client control messages onto it and closes it when the client disconnects.
// [Exit] ends the conversation but keeps the connection; the client may
// enter again.
type Session interface {
	// Enter starts the conversation loop.
	Enter(ctx context.Context) error

	// Exit ends the conversation, discarding any live capture.
	Exit() error

	// SendNow force-closes the utterance currently being captured.
	SendNow()

	// Close releases the session for good. Called exactly once, after the
	// connection is gone.
	Close() error
}

// SessionFactory builds the conversation for one connection. It receives the
// connection after the hello handshake and typically registers an engine
// around [Conn.Source] and [Conn.Sink], wiring the engine's events to the
// Conn's send methods. Returning an error refuses the connection.
type SessionFactory func(conn *Conn) (Session, error)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithHelloTimeout bounds the wait for the client's hello message.
func WithHelloTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.helloTimeout = d
	}
}

// WithOriginPatterns authorizes browser origins beyond the serving host,
// e.g. "app.example.com" or "localhost:*". Passed through to
// [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.originPatterns = patterns
	}
}

// Bridge accepts WebSocket voice connections and attaches a conversation to
// each. Safe for concurrent use; one Bridge serves any number of clients.
type Bridge struct {
	factory        SessionFactory
	logger         *slog.Logger
	helloTimeout   time.Duration
	originPatterns []string

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

var _ http.Handler = (*Bridge)(nil)

// New creates a Bridge that builds conversations with factory.
func New(factory SessionFactory, opts ...Option) *Bridge {
	b := &Bridge{
		factory:      factory,
		logger:       slog.Default(),
		helloTimeout: defaultHelloTimeout,
		conns:        make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ServeHTTP upgrades the request and runs the connection until the client
// disconnects or the Bridge is closed. It blocks for the connection's
// lifetime.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.originPatterns,
	})
	if err != nil {
		b.logger.Debug("wsbridge: accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.CloseNow()

	ws.SetReadLimit(readLimit)

	format, err := b.handshake(r.Context(), ws)
	if err != nil {
		b.logger.Warn("wsbridge: handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "hello handshake failed")
		return
	}

	conn := newConn(clientID(r), ws, format, b.logger)
	if !b.track(conn) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer b.untrack(conn)

	conn.wg.Add(1)
	go conn.writeLoop(r.Context())

	sess, err := b.factory(conn)
	if err != nil {
		b.logger.Error("wsbridge: session setup failed", "client", conn.id, "error", err)
		conn.close()
		conn.wg.Wait()
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	b.logger.Info("wsbridge: client connected",
		"client", conn.id,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
	)

	conn.readLoop(r.Context(), sess)

	conn.close()
	conn.wg.Wait()
	if err := sess.Close(); err != nil {
		b.logger.Warn("wsbridge: session teardown", "client", conn.id, "error", err)
	}
	b.logger.Info("wsbridge: client disconnected", "client", conn.id)
}

// Close disconnects every live client. New connections are refused
// afterwards. Intended for server shutdown; safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	return nil
}

// handshake reads and validates the client's hello message.
func (b *Bridge) handshake(ctx context.Context, ws *websocket.Conn) (audio.Format, error) {
	ctx, cancel := context.WithTimeout(ctx, b.helloTimeout)
	defer cancel()

	typ, data, err := ws.Read(ctx)
	if err != nil {
		return audio.Format{}, fmt.Errorf("wsbridge: read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return audio.Format{}, fmt.Errorf("wsbridge: expected a hello message before audio, got a binary frame")
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return audio.Format{}, fmt.Errorf("wsbridge: parse hello: %w", err)
	}
	if msg.Type != msgHello {
		return audio.Format{}, fmt.Errorf("wsbridge: expected hello, got %q", msg.Type)
	}
	if msg.SampleRate < minSampleRate || msg.SampleRate > maxSampleRate {
		return audio.Format{}, fmt.Errorf("wsbridge: sample rate %d out of range [%d, %d]", msg.SampleRate, minSampleRate, maxSampleRate)
	}
	if msg.Channels != 1 && msg.Channels != 2 {
		return audio.Format{}, fmt.Errorf("wsbridge: channel count %d not supported, want 1 or 2", msg.Channels)
	}

	return audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}, nil
}

// track registers a live connection. Reports false when the Bridge has
// already been closed.
func (b *Bridge) track(c *Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c] = struct{}{}
	return true
}

func (b *Bridge) untrack(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// clientID derives the conversation key for a request: the client_id query
// parameter when present, else the remote address.
func clientID(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	return r.RemoteAddr
}
