// Package conversation implements the always-listening voice conversation
// engine.
//
// An [Engine] is the facade over one conversation: it owns the capture →
// transcribe → respond → playback loop, the tagged [State] the loop moves
// through, and the callbacks an embedding surface (websocket bridge, Discord
// transport, tests) hooks into. Construct it with [New] around an audio
// source/sink pair and the providers, then [Engine.Enter] to start listening
// and [Engine.Exit] to tear down. The loop is self-healing: provider
// failures and rejected recordings keep the conversation alive, and only a
// denied audio device ends it.
//
// The coordinator goroutine started by Enter is the only creator of capture
// sessions and playback schedulers and holds at most one of each, so a
// conversation can never record through two sessions or play two replies at
// once.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/capture"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
	"github.com/voxloop/voxloop/pkg/vad"
)

// defaultNoticeBuffer caps the Notices channel when Config leaves it zero.
const defaultNoticeBuffer = 8

// Notice is a user-facing, toast-class message about a recoverable problem.
// The conversation continues; the notice tells the user why it paused or
// skipped.
type Notice struct {
	// Text is ready to display.
	Text string

	// Time is when the condition occurred.
	Time time.Time
}

// TuningUpdate carries a hot-reload of listening parameters. Zero fields are
// ignored. Set fields take effect on the next capture session, never
// mid-recording.
type TuningUpdate struct {
	// SilenceThreshold and SpeechThreshold retune the voice activity
	// detector. They apply only when the detector implements [Retunable];
	// other detectors keep their construction-time thresholds.
	SilenceThreshold float64
	SpeechThreshold  float64

	// SilenceDelay is how long silence must persist before a recording
	// auto-stops.
	SilenceDelay time.Duration

	// MinRecording is the minimum recording age before auto-stop may fire.
	MinRecording time.Duration

	// MaxUtterance force-stops a runaway recording.
	MaxUtterance time.Duration
}

// Retunable is the optional detector capability [Engine.ApplyTuning] uses to
// forward threshold updates. [vad.Energy] implements it.
type Retunable interface {
	Retune(vad.Config) error
}

// Config holds the per-conversation parameters.
type Config struct {
	// SilenceDelay, MinRecording and MaxUtterance are the capture gate
	// parameters. Zero fields select the capture package defaults.
	SilenceDelay time.Duration
	MinRecording time.Duration
	MaxUtterance time.Duration

	// Language is the BCP-47 tag passed to the transcriber. Empty uses the
	// provider default.
	Language string

	// NoticeBuffer caps the Notices channel. When full, the oldest notice
	// is dropped for each new one. Zero selects 8.
	NoticeBuffer int

	// TranscribeAttempts, TranscribeBackoff and TranscribeTimeout shape the
	// transient-failure retry policy for transcription. Zero fields select
	// the resilience defaults: three attempts, one-second linear backoff,
	// thirty seconds per attempt.
	TranscribeAttempts int
	TranscribeBackoff  time.Duration
	TranscribeTimeout  time.Duration
}

// Deps bundles everything an [Engine] is built from. Source, Sink,
// Transcriber, Responder and VAD are required; the rest default sensibly.
type Deps struct {
	// Source is the microphone side of the conversation.
	Source audio.Source

	// Sink is the playback side.
	Sink audio.Sink

	// Transcriber converts finished utterances to text.
	Transcriber transcribe.Provider

	// Responder turns a transcript into a reply stream.
	Responder respond.Provider

	// VAD classifies capture frames as speech or silence.
	VAD vad.Detector

	// Filter applies the hallucination gates. Nil selects a filter with
	// default thresholds and the built-in denylist.
	Filter *transcript.ArtifactFilter

	// Commands detects spoken control phrases in final transcripts. Nil
	// selects the default detector.
	Commands *transcript.CommandDetector

	// Config tunes the conversation. The zero value is usable.
	Config Config

	// Metrics receives pipeline telemetry. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger, when nil, defaults to slog.Default().
	Logger *slog.Logger
}

// tuningValues is the mutable subset of Config that ApplyTuning can change.
type tuningValues struct {
	silenceDelay time.Duration
	minRecording time.Duration
	maxUtterance time.Duration
}

// Engine is the conversation facade. All exported methods are safe for
// concurrent use.
type Engine struct {
	source      audio.Source
	sink        audio.Sink
	transcriber transcribe.Provider
	responder   respond.Provider
	detector    vad.Detector
	filter      *transcript.ArtifactFilter
	commands    *transcript.CommandDetector
	cfg         Config
	metrics     *observe.Metrics
	logger      *slog.Logger

	notices chan Notice

	mu           sync.Mutex
	state        State
	tun          tuningValues
	active       *capture.Session // live capture session, target of SendNow
	runCancel    context.CancelFunc
	runDone      chan struct{}
	onState      func(State)
	onTranscript func(string)
	onAssistant  func(string)
}

// New validates deps and builds an [Engine] in the [Idle] state.
func New(deps Deps) (*Engine, error) {
	var missing []error
	if deps.Source == nil {
		missing = append(missing, errors.New("conversation: source is required"))
	}
	if deps.Sink == nil {
		missing = append(missing, errors.New("conversation: sink is required"))
	}
	if deps.Transcriber == nil {
		missing = append(missing, errors.New("conversation: transcriber is required"))
	}
	if deps.Responder == nil {
		missing = append(missing, errors.New("conversation: responder is required"))
	}
	if deps.VAD == nil {
		missing = append(missing, errors.New("conversation: vad detector is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	e := &Engine{
		source:      deps.Source,
		sink:        deps.Sink,
		transcriber: deps.Transcriber,
		responder:   deps.Responder,
		detector:    deps.VAD,
		filter:      deps.Filter,
		commands:    deps.Commands,
		cfg:         deps.Config,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		state:       Idle{},
		tun: tuningValues{
			silenceDelay: deps.Config.SilenceDelay,
			minRecording: deps.Config.MinRecording,
			maxUtterance: deps.Config.MaxUtterance,
		},
	}
	if e.filter == nil {
		e.filter = transcript.NewArtifactFilter(transcript.FilterConfig{})
	}
	if e.commands == nil {
		e.commands = transcript.NewCommandDetector()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	buf := deps.Config.NoticeBuffer
	if buf <= 0 {
		buf = defaultNoticeBuffer
	}
	e.notices = make(chan Notice, buf)
	return e, nil
}

// Enter starts the conversation: the microphone is acquired, the state moves
// to [Listening], and the coordinator loop runs until Exit, a cancelled ctx,
// or a fatal device failure. Calling Enter while a conversation is already
// active is a no-op.
//
// ctx bounds the whole conversation; cancelling it is equivalent to Exit.
// A device permission refusal surfaces immediately as an error wrapping
// [audio.ErrDeviceDenied] and the engine stays [Idle].
func (e *Engine) Enter(ctx context.Context) error {
	e.mu.Lock()
	if e.runDone != nil {
		select {
		case <-e.runDone:
			// Previous conversation fully torn down.
		default:
			e.mu.Unlock()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := e.newCaptureLocked(runCtx)
	if err != nil {
		cancel()
		e.mu.Unlock()
		return err
	}

	start := time.Now()
	done := make(chan struct{})
	e.runCancel = cancel
	e.runDone = done
	e.active = sess
	e.state = Listening{Since: start}
	cb := e.onState
	e.mu.Unlock()

	e.metrics.ActiveConversations.Add(runCtx, 1)
	e.logger.Info("conversation started")
	if cb != nil {
		cb(Listening{Since: start})
	}

	p := &pipeline{engine: e, log: e.logger}
	go p.run(runCtx, sess, done)
	return nil
}

// Exit ends the conversation unconditionally: the live capture is discarded,
// any playing reply stops, and the engine returns to [Idle]. Exit blocks
// until the coordinator loop has fully stopped. Calling Exit while Idle is a
// no-op.
func (e *Engine) Exit() error {
	e.mu.Lock()
	cancel, done := e.runCancel, e.runDone
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	<-done
	return nil
}

// SendNow forces the current recording to stop and submits whatever was
// captured, waiving the minimum recording time. The energy gate and the
// transcript denylist still apply. No-op outside a conversation.
func (e *Engine) SendNow() {
	e.mu.Lock()
	sess := e.active
	e.mu.Unlock()
	if sess != nil {
		sess.SendNow()
	}
}

// State returns the current conversation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnStateChange registers fn to run on every state transition. Only one
// callback may be registered at a time; subsequent calls replace the
// previous registration. fn runs on the engine's coordinator goroutine and
// must not block or call back into the engine.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnTranscript registers fn to receive each final user transcript that
// passed the gates. Same registration and blocking rules as
// [Engine.OnStateChange].
func (e *Engine) OnTranscript(fn func(text string)) {
	e.mu.Lock()
	e.onTranscript = fn
	e.mu.Unlock()
}

// OnAssistantText registers fn to receive reply text deltas as the responder
// streams them. Same registration and blocking rules as
// [Engine.OnStateChange].
func (e *Engine) OnAssistantText(fn func(delta string)) {
	e.mu.Lock()
	e.onAssistant = fn
	e.mu.Unlock()
}

// Notices returns the channel of toast-class notices. The channel is
// buffered; when full, the oldest notice is dropped for each new one. It
// stays open for the life of the engine, across conversations.
func (e *Engine) Notices() <-chan Notice {
	return e.notices
}

// ApplyTuning applies a hot-reload of listening parameters. Capture delays
// take effect on the next capture session; threshold changes are forwarded
// to the detector when it implements [Retunable] and returned as an error
// otherwise.
func (e *Engine) ApplyTuning(u TuningUpdate) error {
	if u.SilenceThreshold != 0 || u.SpeechThreshold != 0 {
		r, ok := e.detector.(Retunable)
		if !ok {
			return fmt.Errorf("conversation: detector %T does not support retuning", e.detector)
		}
		if err := r.Retune(vad.Config{
			SilenceThreshold: u.SilenceThreshold,
			SpeechThreshold:  u.SpeechThreshold,
		}); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if u.SilenceDelay > 0 {
		e.tun.silenceDelay = u.SilenceDelay
	}
	if u.MinRecording > 0 {
		e.tun.minRecording = u.MinRecording
	}
	if u.MaxUtterance > 0 {
		e.tun.maxUtterance = u.MaxUtterance
	}
	e.mu.Unlock()

	e.logger.Info("listening parameters updated",
		"silence_threshold", u.SilenceThreshold,
		"silence_delay", u.SilenceDelay,
		"min_recording", u.MinRecording,
		"max_utterance", u.MaxUtterance)
	return nil
}

// ─── internal plumbing ───

// newCaptureLocked builds and starts a capture session from the current
// tuning. Called with e.mu held.
func (e *Engine) newCaptureLocked(ctx context.Context) (*capture.Session, error) {
	sess, err := capture.New(capture.Config{
		Source:       e.source,
		Detector:     e.detector,
		Gate:         e.filter,
		SilenceDelay: e.tun.silenceDelay,
		MinRecording: e.tun.minRecording,
		MaxUtterance: e.tun.maxUtterance,
		Logger:       e.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// newCapture is newCaptureLocked for callers not holding e.mu.
func (e *Engine) newCapture(ctx context.Context) (*capture.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newCaptureLocked(ctx)
}

// setState records the new state and invokes the state callback outside the
// lock.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// setActive records the capture session SendNow should target.
func (e *Engine) setActive(sess *capture.Session) {
	e.mu.Lock()
	e.active = sess
	e.mu.Unlock()
}

// publishTranscript invokes the transcript callback, if registered.
func (e *Engine) publishTranscript(text string) {
	e.mu.Lock()
	cb := e.onTranscript
	e.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

// publishAssistant invokes the assistant-text callback, if registered.
func (e *Engine) publishAssistant(delta string) {
	e.mu.Lock()
	cb := e.onAssistant
	e.mu.Unlock()
	if cb != nil {
		cb(delta)
	}
}

// notify publishes a toast-class notice, dropping the oldest queued notice
// when the buffer is full.
func (e *Engine) notify(text string) {
	n := Notice{Text: text, Time: time.Now()}
	for {
		select {
		case e.notices <- n:
			return
		default:
		}
		select {
		case <-e.notices:
		default:
		}
	}
}

// conversationEnded resets the engine to Idle. Called by the coordinator on
// its way out, before the run-done channel closes.
func (e *Engine) conversationEnded() {
	e.mu.Lock()
	e.state = Idle{}
	e.active = nil
	cb := e.onState
	e.mu.Unlock()

	e.metrics.ActiveConversations.Add(context.Background(), -1)
	e.logger.Info("conversation ended")
	if cb != nil {
		cb(Idle{})
	}
}
