package vad_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/voxloop/voxloop/pkg/vad"
)

// synthFrame builds a constant-amplitude PCM16 frame whose RMS level is
// approximately level (exact up to int16 truncation).
func synthFrame(level float64, samples int) []byte {
	amp := int16(level * 32768)
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amp))
	}
	return buf
}

func TestNewEnergy_DerivesSpeechThreshold(t *testing.T) {
	t.Parallel()

	// Default silence threshold 0.01 derives a speech threshold of 0.008.
	det, err := vad.NewEnergy(vad.Config{})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	// A level inside the hysteresis band (above 0.008, below 0.01) counts
	// as speech.
	if ev := sess.ProcessFrame(synthFrame(0.009, 160)); ev.Type != vad.SpeechStart {
		t.Errorf("band-level frame: got %v, want speech_start", ev.Type)
	}

	sess.Reset()

	// A level below the derived speech threshold is silence.
	if ev := sess.ProcessFrame(synthFrame(0.007, 160)); ev.Type != vad.Silence {
		t.Errorf("sub-threshold frame: got %v, want silence", ev.Type)
	}
}

func TestNewEnergy_ExplicitSpeechThreshold(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.5, SpeechThreshold: 0.3})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	if ev := sess.ProcessFrame(synthFrame(0.35, 160)); ev.Type != vad.SpeechStart {
		t.Errorf("0.35 with threshold 0.3: got %v, want speech_start", ev.Type)
	}
	if ev := sess.ProcessFrame(synthFrame(0.25, 160)); ev.Type != vad.SpeechEnd {
		t.Errorf("0.25 with threshold 0.3: got %v, want speech_end", ev.Type)
	}
}

func TestRetune_AppliesToNewSessions(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.5, SpeechThreshold: 0.4})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	old := det.NewSession()

	if err := det.Retune(vad.Config{SilenceThreshold: 0.1, SpeechThreshold: 0.08}); err != nil {
		t.Fatalf("Retune: %v", err)
	}

	// The session created before the retune keeps the old threshold.
	if ev := old.ProcessFrame(synthFrame(0.2, 160)); ev.Type != vad.Silence {
		t.Errorf("old session at 0.2: got %v, want silence", ev.Type)
	}
	// A fresh session uses the new one.
	if ev := det.NewSession().ProcessFrame(synthFrame(0.2, 160)); ev.Type != vad.SpeechStart {
		t.Errorf("new session at 0.2: got %v, want speech_start", ev.Type)
	}
}

func TestRetune_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.5})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	if err := det.Retune(vad.Config{SilenceThreshold: -1}); err == nil {
		t.Fatal("Retune accepted a negative threshold")
	}
	// The previous threshold survives a rejected retune.
	if ev := det.NewSession().ProcessFrame(synthFrame(0.45, 160)); ev.Type != vad.SpeechStart {
		t.Errorf("after rejected retune at 0.45: got %v, want speech_start", ev.Type)
	}
}

func TestNewEnergy_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{"zero config is valid", vad.Config{}, false},
		{"explicit thresholds", vad.Config{SilenceThreshold: 0.02, SpeechThreshold: 0.015}, false},
		{"negative silence", vad.Config{SilenceThreshold: -0.1}, true},
		{"silence above one", vad.Config{SilenceThreshold: 1.5}, true},
		{"negative speech", vad.Config{SilenceThreshold: 0.02, SpeechThreshold: -1}, true},
		{"speech above one", vad.Config{SilenceThreshold: 0.02, SpeechThreshold: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := vad.NewEnergy(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEnergy(%+v): err = %v, wantErr = %v", tt.cfg, err, tt.wantErr)
			}
		})
	}
}

func TestSession_Transitions(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.01})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	steps := []struct {
		level float64
		want  vad.EventType
	}{
		{0.001, vad.Silence},
		{0.05, vad.SpeechStart},
		{0.05, vad.SpeechContinue},
		{0.009, vad.SpeechContinue}, // band level holds speech
		{0.001, vad.SpeechEnd},
		{0.001, vad.Silence},
		{0.05, vad.SpeechStart},
	}
	for i, step := range steps {
		ev := sess.ProcessFrame(synthFrame(step.level, 160))
		if ev.Type != step.want {
			t.Errorf("step %d (level %.3f): got %v, want %v", i, step.level, ev.Type, step.want)
		}
	}
}

func TestSession_BandHoldsSpeech(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.01})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	if ev := sess.ProcessFrame(synthFrame(0.05, 160)); ev.Type != vad.SpeechStart {
		t.Fatalf("first frame: got %v, want speech_start", ev.Type)
	}
	// A long stretch hovering inside the hysteresis band must never emit a
	// speech end.
	for i := 0; i < 50; i++ {
		ev := sess.ProcessFrame(synthFrame(0.009, 160))
		if ev.Type != vad.SpeechContinue {
			t.Fatalf("band frame %d: got %v, want speech_continue", i, ev.Type)
		}
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{SilenceThreshold: 0.01})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	if ev := sess.ProcessFrame(synthFrame(0.05, 160)); ev.Type != vad.SpeechStart {
		t.Fatalf("got %v, want speech_start", ev.Type)
	}
	sess.Reset()
	if ev := sess.ProcessFrame(synthFrame(0.05, 160)); ev.Type != vad.SpeechStart {
		t.Errorf("after reset: got %v, want speech_start", ev.Type)
	}
}

func TestSession_DegenerateFrames(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}
	sess := det.NewSession()

	if ev := sess.ProcessFrame(nil); ev.Type != vad.Silence || ev.Level != 0 {
		t.Errorf("nil frame: got %v level %v, want silence level 0", ev.Type, ev.Level)
	}
	// A trailing odd byte is ignored; one full-scale sample remains.
	odd := []byte{0xFF, 0x7F, 0x42}
	if ev := sess.ProcessFrame(odd); !ev.Speech() {
		t.Errorf("odd frame with one loud sample: got %v, want speech", ev.Type)
	}
}

func TestSession_LevelMeasurement(t *testing.T) {
	t.Parallel()

	det, err := vad.NewEnergy(vad.Config{})
	if err != nil {
		t.Fatalf("NewEnergy: %v", err)
	}

	tests := []struct {
		name  string
		frame []byte
		want  float64
		eps   float64
	}{
		{"silence", synthFrame(0, 160), 0, 0},
		{"tenth scale", synthFrame(0.1, 160), 0.1, 0.001},
		{"full scale", synthFrame(0.9999, 160), 1.0, 0.001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := det.NewSession().ProcessFrame(tt.frame)
			if math.Abs(ev.Level-tt.want) > tt.eps {
				t.Errorf("level: got %v, want %v (±%v)", ev.Level, tt.want, tt.eps)
			}
		})
	}
}

func TestEvent_Speech(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  vad.EventType
		want bool
	}{
		{vad.Silence, false},
		{vad.SpeechStart, true},
		{vad.SpeechContinue, true},
		{vad.SpeechEnd, false},
	}
	for _, tt := range tests {
		if got := (vad.Event{Type: tt.typ}).Speech(); got != tt.want {
			t.Errorf("%v.Speech() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}
