package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
)

// Compile-time interface assertion.
var _ Detector = (*Energy)(nil)

const (
	// DefaultSilenceThreshold is the normalized RMS level below which a
	// frame counts toward silence when no threshold is configured.
	DefaultSilenceThreshold = 0.01

	// DefaultSpeechRatio derives the speech threshold from the silence
	// threshold when no explicit speech threshold is configured. Keeping the
	// speech threshold below the silence threshold creates the hysteresis
	// band described in the package documentation.
	DefaultSpeechRatio = 0.8
)

// Config holds the tunable thresholds for an [Energy] detector.
type Config struct {
	// SilenceThreshold is the normalized RMS level in (0, 1] below which a
	// frame is on the silence side of the hysteresis band.
	// Zero selects [DefaultSilenceThreshold].
	SilenceThreshold float64

	// SpeechThreshold is the normalized RMS level in (0, 1] at or above
	// which a frame counts as speech. Zero derives it as
	// [DefaultSpeechRatio] times the silence threshold.
	SpeechThreshold float64
}

// Validate checks the configuration, applying no defaults.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, errors.New("vad: silence threshold must be in (0, 1]"))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in (0, 1]"))
	}
	return errors.Join(errs...)
}

// Energy is an RMS-energy [Detector]. It measures each frame's root mean
// square amplitude, normalized to [0, 1], and compares it against the speech
// threshold. Pure Go, no model files, negligible CPU cost; suitable for the
// always-on listening loop.
type Energy struct {
	mu              sync.Mutex
	speechThreshold float64
}

// NewEnergy builds an [Energy] detector, applying defaults for zero fields.
func NewEnergy(cfg Config) (*Energy, error) {
	speech, err := cfg.effectiveSpeechThreshold()
	if err != nil {
		return nil, err
	}
	return &Energy{speechThreshold: speech}, nil
}

// NewSession implements [Detector].
func (e *Energy) NewSession() Session {
	e.mu.Lock()
	threshold := e.speechThreshold
	e.mu.Unlock()
	return &energySession{threshold: threshold}
}

// Retune replaces the detector thresholds, applying the same defaulting rules
// as [NewEnergy]. Sessions already created keep the thresholds they started
// with; the next NewSession picks up the new values.
func (e *Energy) Retune(cfg Config) error {
	speech, err := cfg.effectiveSpeechThreshold()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.speechThreshold = speech
	e.mu.Unlock()
	return nil
}

// effectiveSpeechThreshold validates cfg and resolves the speech threshold,
// deriving it from the silence threshold when not set explicitly.
func (c Config) effectiveSpeechThreshold() (float64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	silence := c.SilenceThreshold
	if silence == 0 {
		silence = DefaultSilenceThreshold
	}
	speech := c.SpeechThreshold
	if speech == 0 {
		speech = DefaultSpeechRatio * silence
	}
	return speech, nil
}

type energySession struct {
	threshold float64
	speaking  bool
}

// ProcessFrame implements [Session].
func (s *energySession) ProcessFrame(pcm []byte) Event {
	level := rmsLevel(pcm)
	if level >= s.threshold {
		if s.speaking {
			return Event{Type: SpeechContinue, Level: level}
		}
		s.speaking = true
		return Event{Type: SpeechStart, Level: level}
	}
	if s.speaking {
		s.speaking = false
		return Event{Type: SpeechEnd, Level: level}
	}
	return Event{Type: Silence, Level: level}
}

// Reset implements [Session].
func (s *energySession) Reset() {
	s.speaking = false
}

// rmsLevel computes the root mean square amplitude of 16-bit signed
// little-endian PCM, normalized so a full-scale signal measures 1.0.
func rmsLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
