package wsbridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrEmptyBuffer is returned by Schedule for a buffer with no PCM or an
// unusable format.
var ErrEmptyBuffer = errors.New("wsbridge: empty or malformed buffer")

// paceFrame is the outbound audio pacing quantum. Each scheduled buffer is
// sliced into frames of this duration and written at real-time rate so a
// stop cuts playback within one frame.
const paceFrame = 20 * time.Millisecond

var (
	_ audio.Sink           = (*clientSink)(nil)
	_ audio.PlaybackHandle = (*clientPlayback)(nil)
)

// clientSink is the playback face of a connection.
type clientSink struct {
	conn *Conn
}

// Schedule implements [audio.Sink]. The buffer is announced to the client
// with an audio_start header at its scheduled time, then paced out in 20 ms
// binary frames. Done closes at the buffer's computed end so the playback
// scheduler can place the next fragment gaplessly.
func (s *clientSink) Schedule(buf audio.Buffer, at time.Time) (audio.PlaybackHandle, error) {
	select {
	case <-s.conn.done:
		return nil, ErrConnClosed
	default:
	}
	if len(buf.PCM) == 0 || buf.SampleRate <= 0 || buf.Channels <= 0 {
		return nil, ErrEmptyBuffer
	}

	h := newClientPlayback()
	go s.conn.pace(buf, at, h)
	return h, nil
}

// clientPlayback is one scheduled buffer in flight to the client.
type clientPlayback struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

func newClientPlayback() *clientPlayback {
	return &clientPlayback{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Stop implements [audio.PlaybackHandle]. Pacing halts within one frame.
func (h *clientPlayback) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Done implements [audio.PlaybackHandle].
func (h *clientPlayback) Done() <-chan struct{} {
	return h.done
}

func (h *clientPlayback) complete() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

// pace writes one scheduled buffer to the client: the audio_start header at
// its start time, then 20 ms frames each at their own play time, finishing
// by completing the handle at the buffer's computed end.
func (c *Conn) pace(buf audio.Buffer, at time.Time, h *clientPlayback) {
	defer h.complete()

	if !sleepUntil(at, h.stop, c.done) {
		return
	}

	header, err := json.Marshal(audioStartMessage{
		Type:       msgAudioStart,
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels,
		DurationMS: buf.Duration().Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("wsbridge: marshal audio_start", "client", c.id, "error", err)
		return
	}
	if !c.enqueueUntil(outboundMsg{typ: websocket.MessageText, data: header}, h.stop) {
		return
	}

	frameBytes := pcmBytes(audio.Format{SampleRate: buf.SampleRate, Channels: buf.Channels}, paceFrame)
	if frameBytes <= 0 {
		return
	}

	for off, i := 0, 0; off < len(buf.PCM); off, i = off+frameBytes, i+1 {
		if !sleepUntil(at.Add(time.Duration(i)*paceFrame), h.stop, c.done) {
			return
		}
		end := off + frameBytes
		if end > len(buf.PCM) {
			end = len(buf.PCM)
		}
		if !c.enqueueUntil(outboundMsg{typ: websocket.MessageBinary, data: buf.PCM[off:end]}, h.stop) {
			return
		}
	}

	sleepUntil(at.Add(buf.Duration()), h.stop, c.done)
}

// sleepUntil blocks until t or until one of the abort channels fires.
// Reports whether t was reached.
func sleepUntil(t time.Time, stop, done <-chan struct{}) bool {
	d := time.Until(t)
	if d <= 0 {
		select {
		case <-stop:
			return false
		case <-done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-done:
		return false
	}
}
