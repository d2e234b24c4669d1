package discord

import (
	"errors"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrEmptyBuffer is returned by Schedule for a buffer with no PCM or an
// unusable format.
var ErrEmptyBuffer = errors.New("discord: empty or malformed buffer")

var (
	_ audio.Sink           = (*voiceSink)(nil)
	_ audio.PlaybackHandle = (*voicePlayback)(nil)
)

// voiceSink is the playback face of a joined channel. Scheduled buffers are
// brought to Discord's 48 kHz stereo wire format, Opus-encoded, and paced
// onto the voice connection one frame per 20 ms.
type voiceSink struct {
	conn *Conn
	enc  *opusEncoder

	// mu guards the encoder (gopus encoders keep internal state) and the
	// speaking refcount shared by overlapping buffers.
	mu       sync.Mutex
	speaking int
}

// Schedule implements [audio.Sink]. Done closes at the buffer's computed
// end; Stop halts pacing within one frame.
func (s *voiceSink) Schedule(buf audio.Buffer, at time.Time) (audio.PlaybackHandle, error) {
	select {
	case <-s.conn.done:
		return nil, ErrConnClosed
	default:
	}
	if len(buf.PCM) == 0 || buf.SampleRate <= 0 || buf.Channels <= 0 {
		return nil, ErrEmptyBuffer
	}

	h := newVoicePlayback()
	go s.pace(buf, at, h)
	return h, nil
}

// pace encodes and transmits one scheduled buffer frame by frame, each at
// its own play time.
func (s *voiceSink) pace(buf audio.Buffer, at time.Time, h *voicePlayback) {
	defer h.complete()

	wire := audio.ConvertBuffer(buf, audio.Format{SampleRate: opusSampleRate, Channels: opusChannels})
	const opusFrameBytes = opusFrameSize * opusChannels * 2

	if !sleepUntil(at, h.stop, s.conn.done) {
		return
	}

	s.beginSpeaking()
	defer s.endSpeaking()

	for off, i := 0, 0; off < len(wire.PCM); off, i = off+opusFrameBytes, i+1 {
		if !sleepUntil(at.Add(time.Duration(i)*opusFrameDuration), h.stop, s.conn.done) {
			return
		}

		end := off + opusFrameBytes
		if end > len(wire.PCM) {
			end = len(wire.PCM)
		}
		chunk := wire.PCM[off:end]
		if len(chunk) < opusFrameBytes {
			// The encoder needs exactly one frame; pad the tail with silence.
			padded := make([]byte, opusFrameBytes)
			copy(padded, chunk)
			chunk = padded
		}

		packet, err := s.encode(chunk)
		if err != nil {
			s.conn.logger.Warn("discord: opus encode", "error", err)
			continue
		}

		select {
		case s.conn.vc.OpusSend <- packet:
		case <-h.stop:
			return
		case <-s.conn.done:
			return
		}
	}

	sleepUntil(at.Add(buf.Duration()), h.stop, s.conn.done)
}

func (s *voiceSink) encode(pcm []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.encode(pcm)
}

// beginSpeaking raises the speaking flag when the first active buffer
// starts; endSpeaking clears it when the last one finishes.
func (s *voiceSink) beginSpeaking() {
	s.mu.Lock()
	s.speaking++
	first := s.speaking == 1
	s.mu.Unlock()
	if first {
		s.conn.setSpeaking(true)
	}
}

func (s *voiceSink) endSpeaking() {
	s.mu.Lock()
	s.speaking--
	last := s.speaking == 0
	s.mu.Unlock()
	if last {
		s.conn.setSpeaking(false)
	}
}

// voicePlayback is one scheduled buffer in flight to the channel.
type voicePlayback struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

func newVoicePlayback() *voicePlayback {
	return &voicePlayback{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Stop implements [audio.PlaybackHandle].
func (h *voicePlayback) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// Done implements [audio.PlaybackHandle].
func (h *voicePlayback) Done() <-chan struct{} {
	return h.done
}

func (h *voicePlayback) complete() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
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
