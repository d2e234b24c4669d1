package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/capture"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/transcript"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/playback"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
)

// captureRetryDelay paces re-acquisition attempts when the audio source
// fails transiently between captures.
const captureRetryDelay = time.Second

// pipeline is the per-conversation coordinator. Its run goroutine is the
// only creator of capture sessions and playback schedulers and holds at most
// one of each at any time.
type pipeline struct {
	engine *Engine
	log    *slog.Logger
}

// run is the conversation loop: wait for the live capture to finish, start
// the next capture immediately so listening never stops, process the
// finished recording as a turn, repeat. Every exit path leaves the engine
// Idle.
func (p *pipeline) run(ctx context.Context, live *capture.Session, done chan struct{}) {
	e := p.engine
	m := e.metrics

	defer close(done)
	defer e.conversationEnded()
	defer func() {
		if live != nil {
			live.Abort()
			m.ActiveCaptures.Add(context.Background(), -1)
		}
	}()

	m.ActiveCaptures.Add(ctx, 1)

	for {
		var res capture.Result
		select {
		case <-ctx.Done():
			return
		case res = <-live.Result():
		}
		m.ActiveCaptures.Add(ctx, -1)
		live = nil

		// Look-ahead: the next capture starts before the turn is processed,
		// so the user can already speak over the reply.
		var (
			next      *capture.Session
			nextStart time.Time
			startErr  error
		)
		if ctx.Err() == nil {
			next, nextStart, startErr = p.startCapture(ctx)
		}

		exit := false
		switch {
		case res.Discard != nil:
			p.handleDiscard(ctx, res.Discard)
		case res.Outcome != nil:
			exit = p.runTurn(ctx, res.Outcome, next)
		}

		if exit || ctx.Err() != nil {
			p.stopCapture(next)
			return
		}

		if startErr != nil {
			if errors.Is(startErr, audio.ErrDeviceDenied) {
				p.log.Error("audio source denied, ending conversation", "error", startErr)
				e.notify("microphone access denied")
				return
			}
			next, nextStart, startErr = p.acquireCapture(ctx)
			if startErr != nil {
				if errors.Is(startErr, audio.ErrDeviceDenied) {
					p.log.Error("audio source denied, ending conversation", "error", startErr)
					e.notify("microphone access denied")
				}
				return
			}
		}

		live = next
		e.setState(Listening{Since: nextStart})
	}
}

// startCapture starts one capture session and registers it as the SendNow
// target.
func (p *pipeline) startCapture(ctx context.Context) (*capture.Session, time.Time, error) {
	sess, err := p.engine.newCapture(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	p.engine.metrics.ActiveCaptures.Add(ctx, 1)
	p.engine.setActive(sess)
	return sess, time.Now(), nil
}

// acquireCapture retries startCapture until it succeeds, the failure is
// fatal, or ctx ends. One notice is published per outage.
func (p *pipeline) acquireCapture(ctx context.Context) (*capture.Session, time.Time, error) {
	noticed := false
	for {
		sess, at, err := p.startCapture(ctx)
		if err == nil {
			return sess, at, nil
		}
		if errors.Is(err, audio.ErrDeviceDenied) || ctx.Err() != nil {
			return nil, time.Time{}, err
		}
		p.log.Warn("audio source unavailable, retrying", "error", err)
		if !noticed {
			p.engine.notify("microphone unavailable, retrying")
			noticed = true
		}
		select {
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		case <-time.After(captureRetryDelay):
		}
	}
}

// stopCapture aborts a capture this loop will no longer wait on.
func (p *pipeline) stopCapture(sess *capture.Session) {
	if sess == nil {
		return
	}
	sess.Abort()
	p.engine.metrics.ActiveCaptures.Add(context.Background(), -1)
}

// handleDiscard accounts for a capture that ended without producing an
// utterance. Gate rejections are expected outcomes of the always-on loop and
// stay silent; nothing here reaches the user.
func (p *pipeline) handleDiscard(ctx context.Context, d *capture.Discard) {
	if d.Reason != capture.DiscardGate {
		return
	}
	var rej *transcript.RejectError
	if errors.As(d.Err, &rej) {
		p.engine.metrics.RecordHallucinationReject(ctx, string(rej.Gate))
	}
	p.log.Debug("recording discarded", "error", d.Err)
}

// runTurn drives one accepted utterance through transcription, response and
// playback. live is the look-ahead capture session watched for barge-in; it
// may be nil when source re-acquisition is pending, which only disables
// interruption for this turn. Returns true when the user spoke the exit
// command and the conversation must end.
func (p *pipeline) runTurn(ctx context.Context, out *capture.Outcome, live *capture.Session) bool {
	e := p.engine
	m := e.metrics
	turnStart := time.Now()

	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()

	m.CaptureDuration.Record(ctx, out.Duration.Seconds())
	p.log.Debug("utterance captured",
		"trigger", string(out.Trigger),
		"duration", out.Duration,
		"mean_energy", out.MeanEnergy)

	// Transcribe with transient-failure retries.
	e.setState(Processing{Stage: StageTranscribing})
	text, err := p.transcribeOutcome(ctx, out)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.log.Error("transcription failed", "provider", e.transcriber.Name(), "error", err)
		m.RecordProviderError(ctx, e.transcriber.Name(), "transcribe")
		e.notify("transcription failed, please try again")
		m.RecordTurn(ctx, "failed")
		return false
	}

	// Post-transcription gate: artifact phrases and empty transcripts are
	// dropped silently.
	if err := e.filter.CheckText(text); err != nil {
		var rej *transcript.RejectError
		if errors.As(err, &rej) {
			m.RecordHallucinationReject(ctx, string(rej.Gate))
		}
		p.log.Debug("transcript rejected", "error", err)
		m.RecordTurn(ctx, "rejected")
		return false
	}

	e.publishTranscript(text)
	p.log.Info("user said", "text", text)

	// Spoken control commands short-circuit the response.
	if action, ok := e.commands.Detect(text); ok {
		p.log.Info("voice command detected", "action", action.String())
		m.RecordTurn(ctx, "command")
		return action == transcript.ActionExitConversation
	}

	return p.respondAndPlay(ctx, text, live, turnStart)
}

// transcribeOutcome converts the recording to text, retrying transient
// provider failures with linear backoff. Each attempt gets a fresh bounded
// context.
func (p *pipeline) transcribeOutcome(ctx context.Context, out *capture.Outcome) (string, error) {
	ctx, span := observe.StartSpan(ctx, "conversation.transcribe")
	defer span.End()

	e := p.engine
	cfg := resilience.RetryConfig{
		Attempts:       e.cfg.TranscribeAttempts,
		Backoff:        e.cfg.TranscribeBackoff,
		AttemptTimeout: e.cfg.TranscribeTimeout,
		Retryable:      transcribe.IsTransient,
		OnRetry: func(attempt int, err error) {
			e.metrics.TranscribeRetries.Add(ctx, 1)
			p.log.Warn("transcription attempt failed, retrying",
				"attempt", attempt, "error", err)
		},
	}

	start := time.Now()
	text, err := resilience.Retry(ctx, cfg, func(ctx context.Context) (string, error) {
		return e.transcriber.Transcribe(ctx, transcribe.Request{
			Audio:    out.Audio,
			Language: e.cfg.Language,
		})
	})
	if err != nil {
		return "", err
	}
	e.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	return strings.TrimSpace(text), nil
}

// respondAndPlay streams the reply for text and plays it to completion. The
// turn ends when the playback scheduler drains, not when the response stream
// closes. Returns true only when the conversation must end.
func (p *pipeline) respondAndPlay(ctx context.Context, text string, live *capture.Session, turnStart time.Time) bool {
	e := p.engine
	m := e.metrics

	ctx, span := observe.StartSpan(ctx, "conversation.respond")
	defer span.End()

	e.setState(Processing{Stage: StageAwaitingResponse})
	respondStart := time.Now()

	// The turn context lets barge-in and playback failures stop the
	// response producer without ending the conversation.
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	stream, err := e.responder.Respond(turnCtx, text)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.log.Error("response failed", "provider", e.responder.Name(), "error", err)
		m.RecordProviderError(ctx, e.responder.Name(), "respond")
		e.notify("assistant unavailable, please try again")
		m.RecordTurn(ctx, "failed")
		return false
	}

	canInterrupt := false
	sched := playback.New(e.sink, playback.WithOnFirstAudio(func() {
		canInterrupt = true
		m.RespondFirstAudio.Record(ctx, time.Since(respondStart).Seconds())
		e.setState(Speaking{CanInterrupt: true})
	}))

	events := stream.Events()
	schedDone := sched.Done()
	var speech <-chan struct{}
	if live != nil {
		speech = live.SpeechDetected()
	}
	var speechArmed <-chan struct{}

	for events != nil || schedDone != nil {
		// The barge-in window opens once the first fragment reaches the
		// sink.
		if canInterrupt && speechArmed == nil {
			speechArmed = speech
		}

		select {
		case <-ctx.Done():
			sched.Stop()
			if events != nil {
				go drainEvents(events)
			}
			return false

		case <-speechArmed:
			// The user is talking over the reply: cut playback now and let
			// the already-running capture take the turn.
			p.log.Info("barge-in, stopping playback")
			m.RecordBargeIn(ctx)
			cancelTurn()
			sched.Stop()
			if events != nil {
				go drainEvents(events)
			}
			m.RecordTurn(ctx, "barged_in")
			return false

		case ev, ok := <-events:
			if !ok {
				events = nil
				if serr := stream.Err(); serr != nil {
					p.log.Error("response stream failed",
						"provider", e.responder.Name(), "error", serr)
					m.RecordProviderError(ctx, e.responder.Name(), "respond")
					e.notify("response interrupted")
					sched.Stop()
					m.RecordTurn(ctx, "failed")
					return false
				}
				// A clean close without an explicit AudioComplete still
				// flushes whatever was enqueued.
				sched.Finish()
				continue
			}
			switch ev.Type {
			case respond.EventTextDelta:
				e.publishAssistant(ev.Text)
			case respond.EventAudioFragment:
				if err := sched.Enqueue(ev.Fragment.Index, ev.Fragment.Audio); err != nil &&
					!errors.Is(err, playback.ErrStopped) {
					p.log.Warn("fragment rejected by scheduler",
						"index", ev.Fragment.Index, "error", err)
				}
			case respond.EventAudioComplete:
				sched.Finish()
			case respond.EventTextComplete, respond.EventFinished:
				// Informational; the channel close is the real terminator.
			}

		case <-schedDone:
			schedDone = nil
			if serr := sched.Err(); serr != nil {
				p.log.Error("playback failed", "error", serr)
				e.notify("audio output failed")
				cancelTurn()
				if events != nil {
					go drainEvents(events)
				}
				m.RecordTurn(ctx, "failed")
				return false
			}
		}
	}

	// Stream closed cleanly and every scheduled buffer finished playing.
	m.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	m.RecordTurn(ctx, "completed")
	p.log.Debug("turn complete", "duration", time.Since(turnStart))
	return false
}

// drainEvents unblocks the producer of an abandoned response stream.
func drainEvents(events <-chan respond.Event) {
	for range events {
	}
}
