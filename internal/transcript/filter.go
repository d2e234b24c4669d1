// Package transcript post-processes utterances and transcription results
// before they reach the response pipeline.
//
// Transcription models reliably hallucinate fixed filler phrases on
// near-silent input, and a network transcription round-trip costs real money
// and latency. The [ArtifactFilter] therefore applies two local gates before
// an utterance is sent anywhere (minimum duration, minimum mean energy) and
// one gate after transcription returns (an exact denylist of known artifact
// phrases). A gated utterance is an expected rejection, not an error
// condition: the conversation loop silently returns to listening.
//
// The package also detects spoken control commands ("stop talking", "end the
// conversation") on final transcripts via [CommandDetector], so the voice
// channel itself can drive the engine without a UI.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Gate identifies which filter gate rejected an utterance.
type Gate string

const (
	// GateDuration rejects recordings shorter than the minimum duration.
	GateDuration Gate = "duration"

	// GateEnergy rejects recordings whose mean energy is below the minimum.
	GateEnergy Gate = "energy"

	// GateDenylist rejects transcripts that exactly match a known
	// transcription-model artifact phrase.
	GateDenylist Gate = "denylist"
)

// RejectError reports that an utterance was discarded by a filter gate.
// It is an expected outcome of the always-on loop: callers log it at debug
// level at most and restart listening without surfacing anything to the user.
type RejectError struct {
	// Gate is the gate that rejected the utterance.
	Gate Gate

	// Detail describes the measured value that failed the gate.
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("transcript: rejected by %s gate: %s", e.Gate, e.Detail)
}

// IsReject reports whether err (or anything it wraps) is a filter rejection.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// FilterConfig holds the tunable gate parameters.
type FilterConfig struct {
	// MinDuration is the minimum recording length. Shorter recordings are
	// rejected before transcription. Zero selects [DefaultMinDuration].
	MinDuration time.Duration

	// MinMeanEnergy is the minimum mean normalized energy across the whole
	// recording. Zero selects [DefaultMinMeanEnergy].
	MinMeanEnergy float64

	// ExtraDenylist extends the built-in artifact phrase denylist. Entries
	// are normalized before matching, so punctuation and case do not matter.
	ExtraDenylist []string
}

const (
	// DefaultMinDuration is the minimum recording length accepted for
	// transcription. Anything shorter is overwhelmingly a false trigger.
	DefaultMinDuration = 500 * time.Millisecond

	// DefaultMinMeanEnergy is the minimum mean energy (normalized [0, 1])
	// accepted for transcription.
	DefaultMinMeanEnergy = 0.005
)

// builtinDenylist holds normalized forms of phrases that transcription
// models are known to produce on silent or noise-only input. Matching is
// exact on the normalized transcript: a longer sentence that merely contains
// one of these phrases passes.
var builtinDenylist = []string{
	"you",
	"thank you",
	"thanks",
	"thank you for watching",
	"thanks for watching",
	"thank you so much for watching",
	"please subscribe",
	"like and subscribe",
	"subscribe to the channel",
	"see you in the next video",
	"see you next time",
	"bye",
	"bye bye",
	"the end",
	"uh",
	"um",
	"hmm",
	"mm",
	"huh",
	"ah",
	"oh",
}

// ArtifactFilter applies the hallucination gates. Construct with
// [NewArtifactFilter]; the zero value rejects everything.
// Safe for concurrent use; the filter is read-only after construction.
type ArtifactFilter struct {
	minDuration time.Duration
	minEnergy   float64
	denylist    map[string]struct{}
}

// NewArtifactFilter builds a filter, applying defaults for zero fields.
func NewArtifactFilter(cfg FilterConfig) *ArtifactFilter {
	f := &ArtifactFilter{
		minDuration: cfg.MinDuration,
		minEnergy:   cfg.MinMeanEnergy,
		denylist:    make(map[string]struct{}, len(builtinDenylist)+len(cfg.ExtraDenylist)),
	}
	if f.minDuration == 0 {
		f.minDuration = DefaultMinDuration
	}
	if f.minEnergy == 0 {
		f.minEnergy = DefaultMinMeanEnergy
	}
	for _, p := range builtinDenylist {
		f.denylist[p] = struct{}{}
	}
	for _, p := range cfg.ExtraDenylist {
		if n := Normalize(p); n != "" {
			f.denylist[n] = struct{}{}
		}
	}
	return f
}

// CheckAudio applies the two pre-transcription gates to a finished
// recording. Returns a [*RejectError] when the recording should be
// discarded, nil when it may proceed to transcription.
func (f *ArtifactFilter) CheckAudio(duration time.Duration, meanEnergy float64) error {
	if duration < f.minDuration {
		return &RejectError{
			Gate:   GateDuration,
			Detail: fmt.Sprintf("recording %v below minimum %v", duration, f.minDuration),
		}
	}
	return f.CheckEnergy(meanEnergy)
}

// CheckEnergy applies only the energy gate. Manual sends waive the duration
// gate but still drop dead-air recordings, so the capture session calls this
// instead of [ArtifactFilter.CheckAudio] when the user forced the stop.
func (f *ArtifactFilter) CheckEnergy(meanEnergy float64) error {
	if meanEnergy < f.minEnergy {
		return &RejectError{
			Gate:   GateEnergy,
			Detail: fmt.Sprintf("mean energy %.4f below minimum %.4f", meanEnergy, f.minEnergy),
		}
	}
	return nil
}

// CheckText applies the post-transcription denylist gate. The transcript is
// normalized (lower-cased, punctuation stripped, whitespace collapsed) and
// compared exactly against the denylist. An empty normalized transcript is
// also rejected.
func (f *ArtifactFilter) CheckText(text string) error {
	n := Normalize(text)
	if n == "" {
		return &RejectError{Gate: GateDenylist, Detail: "empty transcript"}
	}
	if _, found := f.denylist[n]; found {
		return &RejectError{
			Gate:   GateDenylist,
			Detail: fmt.Sprintf("transcript %q matches artifact denylist", n),
		}
	}
	return nil
}

// Normalize lower-cases text, strips punctuation and symbols, and collapses
// whitespace runs to single spaces. "Thank you." and "thank  you" both
// normalize to "thank you".
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
