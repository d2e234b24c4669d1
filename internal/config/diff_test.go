package config_test

import (
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Tuning: config.TuningConfig{
			SilenceThreshold: 0.01,
			SilenceDelay:     config.Duration(1200 * time.Millisecond),
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.TuningChanged {
		t.Error("expected TuningChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.TuningChanged {
		t.Error("expected TuningChanged=false")
	}
}

func TestDiff_ThresholdChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Tuning: config.TuningConfig{SilenceThreshold: 0.01}}
	new := &config.Config{Tuning: config.TuningConfig{SilenceThreshold: 0.05}}

	d := config.Diff(old, new)
	if !d.TuningChanged {
		t.Error("expected TuningChanged=true")
	}
	if d.NewTuning.SilenceThreshold != 0.05 {
		t.Errorf("NewTuning.SilenceThreshold: got %v, want 0.05", d.NewTuning.SilenceThreshold)
	}
}

func TestDiff_DelayChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Tuning: config.TuningConfig{
		SilenceDelay: config.Duration(1200 * time.Millisecond),
		MaxUtterance: config.Duration(60 * time.Second),
	}}
	new := &config.Config{Tuning: config.TuningConfig{
		SilenceDelay: config.Duration(800 * time.Millisecond),
		MaxUtterance: config.Duration(60 * time.Second),
	}}

	d := config.Diff(old, new)
	if !d.TuningChanged {
		t.Error("expected TuningChanged=true")
	}
	if d.NewTuning.SilenceDelay != config.Duration(800*time.Millisecond) {
		t.Errorf("NewTuning.SilenceDelay: got %v", time.Duration(d.NewTuning.SilenceDelay))
	}
	// The untouched field rides along so the consumer applies a complete block.
	if d.NewTuning.MaxUtterance != config.Duration(60*time.Second) {
		t.Errorf("NewTuning.MaxUtterance: got %v", time.Duration(d.NewTuning.MaxUtterance))
	}
}

func TestDiff_LanguageChangeIsNotHot(t *testing.T) {
	t.Parallel()
	// Language applies to new conversations only, so it must not trip the
	// hot-reload flag.
	old := &config.Config{Tuning: config.TuningConfig{Language: "en"}}
	new := &config.Config{Tuning: config.TuningConfig{Language: "de"}}

	d := config.Diff(old, new)
	if d.TuningChanged {
		t.Error("expected TuningChanged=false for a language-only change")
	}
}

func TestDiff_DenylistChangeIsNotHot(t *testing.T) {
	t.Parallel()
	old := &config.Config{Tuning: config.TuningConfig{Denylist: []string{"okay google"}}}
	new := &config.Config{Tuning: config.TuningConfig{Denylist: []string{"okay google", "hey siri"}}}

	d := config.Diff(old, new)
	if d.TuningChanged {
		t.Error("expected TuningChanged=false for a denylist-only change")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Tuning: config.TuningConfig{SpeechThreshold: 0.008},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Tuning: config.TuningConfig{SpeechThreshold: 0.02},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("NewLogLevel: got %q, want warn", d.NewLogLevel)
	}
	if !d.TuningChanged {
		t.Error("expected TuningChanged=true")
	}
	if d.NewTuning.SpeechThreshold != 0.02 {
		t.Errorf("NewTuning.SpeechThreshold: got %v, want 0.02", d.NewTuning.SpeechThreshold)
	}
}
