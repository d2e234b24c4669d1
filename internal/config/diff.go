package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the listening tuning (VAD thresholds and capture delays). Anything else in
// a reloaded file, language and denylist included, only affects conversations
// started afterwards.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged reports that at least one hot-reloadable tuning field
	// differs. NewTuning carries the whole new block so a consumer can
	// forward the thresholds as a pair; forwarding only the changed one
	// would break the derived-speech-threshold case.
	TuningChanged bool
	NewTuning     TuningConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Listening tuning
	if tuningChanged(old.Tuning, new.Tuning) {
		d.TuningChanged = true
		d.NewTuning = new.Tuning
	}

	return d
}

// tuningChanged compares the hot-reloadable subset of two tuning blocks.
func tuningChanged(old, new TuningConfig) bool {
	return old.SilenceThreshold != new.SilenceThreshold ||
		old.SpeechThreshold != new.SpeechThreshold ||
		old.SilenceDelay != new.SilenceDelay ||
		old.MinRecording != new.MinRecording ||
		old.MaxUtterance != new.MaxUtterance
}
