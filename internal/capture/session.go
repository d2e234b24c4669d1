// Package capture runs one recording attempt against an audio source.
//
// A [Session] owns a single capture cycle: it acquires the source, buffers
// every PCM frame into the utterance, feeds the same frames to a VAD session,
// and watches the end-of-utterance gate. Recording stops automatically once
// speech has been observed, the recording is long enough, and silence has
// persisted past the configured delay; the triple gate keeps leading silence
// from stopping a capture that never contained speech and keeps
// micro-utterances from triggering before the VAD has seen anything real.
// A runaway recording is force-stopped at the maximum utterance length.
//
// Exactly one terminal [Result] is delivered on [Session.Result]: either an
// [Outcome] whose buffer is ready for transcription, or a [Discard] naming why
// the audio was dropped. The pre-transcription gates (minimum duration,
// minimum mean energy) run at stop time through the [AudioGate]; a manual
// stop waives the duration gate but keeps the energy gate, so forcing a send
// can beat the minimum recording time without promoting dead air into a turn.
//
// [Session.SpeechDetected] closes on the first speech frame. The conversation
// layer uses it to cut short a reply the user is talking over.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/vad"
)

// Default gate parameters. All are configurable; these apply for zero fields.
const (
	// DefaultSilenceDelay is how long silence must persist before a
	// recording with speech auto-stops.
	DefaultSilenceDelay = 1200 * time.Millisecond

	// DefaultMinRecording is the minimum recording age before the silence
	// gate may fire.
	DefaultMinRecording = 500 * time.Millisecond

	// DefaultMaxUtterance force-stops a recording that never goes silent.
	DefaultMaxUtterance = 60 * time.Second
)

// Trigger identifies what ended a capture.
type Trigger string

const (
	// TriggerAuto: the silence gate ended the utterance.
	TriggerAuto Trigger = "auto"

	// TriggerManual: the caller forced the stop via SendNow.
	TriggerManual Trigger = "manual"

	// TriggerMaxUtterance: the runaway bound ended the recording.
	TriggerMaxUtterance Trigger = "max_utterance"

	// TriggerSourceClosed: the device stopped delivering frames on its own.
	TriggerSourceClosed Trigger = "source_closed"
)

// DiscardReason identifies why a recording was dropped without transcription.
type DiscardReason string

const (
	// DiscardAborted: the caller abandoned the recording via Abort.
	DiscardAborted DiscardReason = "aborted"

	// DiscardCancelled: the session context was cancelled.
	DiscardCancelled DiscardReason = "cancelled"

	// DiscardGate: a pre-transcription gate rejected the finished recording.
	DiscardGate DiscardReason = "gate"
)

// Outcome is a finished recording that passed the pre-transcription gates.
type Outcome struct {
	// Audio is the complete utterance in the source's PCM format.
	Audio audio.Buffer

	// Duration is the media length of the recording.
	Duration time.Duration

	// MeanEnergy is the mean normalized frame level across the recording.
	MeanEnergy float64

	// Trigger names what stopped the recording.
	Trigger Trigger
}

// Discard reports a recording that was dropped without transcription.
type Discard struct {
	// Reason classifies the discard.
	Reason DiscardReason

	// Err carries the gate rejection or cancellation cause, when there is one.
	Err error
}

// Result is the terminal event of a capture session. Exactly one of Outcome
// and Discard is set.
type Result struct {
	Outcome *Outcome
	Discard *Discard
}

// AudioGate validates a finished recording before it is handed on for
// transcription. The transcript package's ArtifactFilter satisfies it.
type AudioGate interface {
	// CheckAudio applies the duration and energy gates.
	CheckAudio(duration time.Duration, meanEnergy float64) error

	// CheckEnergy applies only the energy gate. Used for manual stops,
	// which waive the duration gate.
	CheckEnergy(meanEnergy float64) error
}

// Config holds the collaborators and gate parameters for one session.
type Config struct {
	// Source is the input device. Required.
	Source audio.Source

	// Detector creates the VAD session that classifies frames. Required.
	Detector vad.Detector

	// Gate runs the pre-transcription checks at stop time. When nil, every
	// finished recording is delivered as an Outcome.
	Gate AudioGate

	// SilenceDelay is how long silence must persist before auto-stop.
	// Zero selects DefaultSilenceDelay.
	SilenceDelay time.Duration

	// MinRecording is the minimum recording age before auto-stop may fire.
	// Zero selects DefaultMinRecording.
	MinRecording time.Duration

	// MaxUtterance force-stops the recording at this media length.
	// Zero selects DefaultMaxUtterance.
	MaxUtterance time.Duration

	// Logger, when nil, defaults to slog.Default().
	Logger *slog.Logger
}

type command int

const (
	cmdSend command = iota
	cmdAbort
)

// Session is one recording attempt. Use [New] then [Session.Start]; a Session
// is single-use. All exported methods are safe for concurrent use.
type Session struct {
	source       audio.Source
	detector     vad.Detector
	gate         AudioGate
	silenceDelay time.Duration
	minRecording time.Duration
	maxUtterance time.Duration
	logger       *slog.Logger

	started    atomic.Bool
	ctrl       chan command
	result     chan Result
	speech     chan struct{}
	speechOnce sync.Once
	done       chan struct{}
}

// New creates a Session from cfg, applying defaults for zero gate parameters.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("capture: source is required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("capture: detector is required")
	}

	s := &Session{
		source:       cfg.Source,
		detector:     cfg.Detector,
		gate:         cfg.Gate,
		silenceDelay: cfg.SilenceDelay,
		minRecording: cfg.MinRecording,
		maxUtterance: cfg.MaxUtterance,
		logger:       cfg.Logger,
		ctrl:         make(chan command),
		result:       make(chan Result, 1),
		speech:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if s.silenceDelay <= 0 {
		s.silenceDelay = DefaultSilenceDelay
	}
	if s.minRecording <= 0 {
		s.minRecording = DefaultMinRecording
	}
	if s.maxUtterance <= 0 {
		s.maxUtterance = DefaultMaxUtterance
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Start acquires the audio source and begins recording. A device permission
// refusal surfaces as an error wrapping audio.ErrDeviceDenied; the caller
// treats that as fatal since no retry can succeed without user action.
//
// ctx bounds the whole recording: cancelling it discards the buffered audio.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("capture: session already started")
	}

	handle, err := s.source.Start(ctx)
	if err != nil {
		close(s.done)
		return fmt.Errorf("capture: acquire audio source: %w", err)
	}

	go s.loop(ctx, handle)
	return nil
}

// Result returns the channel carrying the session's single terminal event.
func (s *Session) Result() <-chan Result {
	return s.result
}

// SpeechDetected returns a channel closed when the first speech frame is
// observed. It never closes for a recording that contained no speech.
func (s *Session) SpeechDetected() <-chan struct{} {
	return s.speech
}

// Done returns a channel closed once the session has delivered its result
// and released the source.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendNow stops the recording immediately and submits whatever was captured,
// waiving the minimum recording time and the duration gate. The energy gate
// still applies. No-op after the session has already ended.
func (s *Session) SendNow() {
	select {
	case s.ctrl <- cmdSend:
	case <-s.done:
	}
}

// Abort stops the recording and discards the buffered audio without
// transcription. No-op after the session has already ended.
func (s *Session) Abort() {
	select {
	case s.ctrl <- cmdAbort:
	case <-s.done:
	}
}

// loop is the single goroutine owning the recording state. Every exit path
// stops the capture handle and emits exactly one Result.
func (s *Session) loop(ctx context.Context, handle audio.CaptureHandle) {
	defer close(s.done)

	vadSess := s.detector.NewSession()
	rec := &recording{}
	frames := handle.Frames()

	for {
		select {
		case <-ctx.Done():
			handle.Stop()
			s.emit(Result{Discard: &Discard{Reason: DiscardCancelled, Err: ctx.Err()}})
			return

		case cmd := <-s.ctrl:
			handle.Stop()
			if cmd == cmdAbort {
				s.emit(Result{Discard: &Discard{Reason: DiscardAborted}})
				return
			}
			// Manual send keeps every frame the device already delivered.
			drainFrames(rec, vadSess, frames, s.markSpeech)
			s.finish(rec, TriggerManual)
			return

		case frame, ok := <-frames:
			if !ok {
				handle.Stop()
				s.finish(rec, TriggerSourceClosed)
				return
			}
			s.observe(rec, vadSess, frame)

			if rec.clock >= s.maxUtterance {
				handle.Stop()
				s.finish(rec, TriggerMaxUtterance)
				return
			}
			if autoStopReady(rec.hasSpeech, rec.clock, rec.silenceFor(), s.minRecording, s.silenceDelay) {
				handle.Stop()
				s.finish(rec, TriggerAuto)
				return
			}
		}
	}
}

// observe folds one frame into the recording and updates the speech latch.
func (s *Session) observe(rec *recording, vadSess vad.Session, frame audio.Frame) {
	if ev := rec.add(frame, vadSess); ev.Speech() {
		s.markSpeech()
	}
}

func (s *Session) markSpeech() {
	s.speechOnce.Do(func() {
		s.logger.Debug("capture: speech detected")
		close(s.speech)
	})
}

// finish runs the stop-time gates and emits the terminal result.
func (s *Session) finish(rec *recording, trigger Trigger) {
	duration := rec.clock
	energy := rec.meanEnergy()

	if s.gate != nil {
		var err error
		if trigger == TriggerManual {
			err = s.gate.CheckEnergy(energy)
		} else {
			err = s.gate.CheckAudio(duration, energy)
		}
		if err != nil {
			s.logger.Debug("capture: recording discarded",
				"trigger", string(trigger),
				"duration", duration,
				"mean_energy", energy,
				"error", err)
			s.emit(Result{Discard: &Discard{Reason: DiscardGate, Err: err}})
			return
		}
	}

	s.logger.Debug("capture: recording complete",
		"trigger", string(trigger),
		"duration", duration,
		"mean_energy", energy,
		"bytes", len(rec.pcm))
	s.emit(Result{Outcome: &Outcome{
		Audio:      rec.buffer(),
		Duration:   duration,
		MeanEnergy: energy,
		Trigger:    trigger,
	}})
}

func (s *Session) emit(r Result) {
	s.result <- r
}

// autoStopReady is the triple gate that ends an utterance: speech must have
// been observed, the recording must be older than the minimum, and silence
// must have outlasted the delay. Leading silence never trips it because the
// speech latch is still clear, and a fresh recording never trips it because
// the age check fails first.
func autoStopReady(hasSpeech bool, elapsed, silence, minRecording, silenceDelay time.Duration) bool {
	return hasSpeech && elapsed > minRecording && silence > silenceDelay
}

// drainFrames consumes every frame already buffered on the channel without
// blocking, so a manual stop does not lose audio the device had delivered.
func drainFrames(rec *recording, vadSess vad.Session, frames <-chan audio.Frame, onSpeech func()) {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if ev := rec.add(frame, vadSess); ev.Speech() {
				onSpeech()
			}
		default:
			return
		}
	}
}

// recording accumulates the utterance. The media clock advances by each
// frame's play time, which keeps the gate arithmetic independent of
// wall-clock scheduling jitter.
type recording struct {
	pcm        []byte
	sampleRate int
	channels   int
	clock      time.Duration
	levelSum   float64
	frames     int
	hasSpeech  bool
	silent     bool
	silentAt   time.Duration
}

// add appends one frame, classifies it, and updates the silence bookkeeping.
// Returns the frame's VAD event.
func (r *recording) add(frame audio.Frame, vadSess vad.Session) vad.Event {
	if r.frames == 0 {
		r.sampleRate = frame.SampleRate
		r.channels = frame.Channels
	}
	start := r.clock
	r.pcm = append(r.pcm, frame.Data...)
	r.clock += frame.Duration()
	r.frames++

	ev := vadSess.ProcessFrame(frame.Data)
	r.levelSum += ev.Level
	if ev.Speech() {
		r.hasSpeech = true
		r.silent = false
	} else if !r.silent {
		// Silence is measured from the start of the first non-speech frame.
		r.silent = true
		r.silentAt = start
	}
	return ev
}

// silenceFor reports how long the current silence run has lasted, zero while
// speech is in progress.
func (r *recording) silenceFor() time.Duration {
	if !r.silent {
		return 0
	}
	return r.clock - r.silentAt
}

// meanEnergy is the mean normalized level across all frames.
func (r *recording) meanEnergy() float64 {
	if r.frames == 0 {
		return 0
	}
	return r.levelSum / float64(r.frames)
}

// buffer returns the accumulated utterance.
func (r *recording) buffer() audio.Buffer {
	return audio.Buffer{PCM: r.pcm, SampleRate: r.sampleRate, Channels: r.channels}
}
