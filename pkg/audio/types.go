package audio

import "time"

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: sources emit them and a
// capture session buffers them into utterances.
type Frame struct {
	// Data is raw 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for transcription).
	SampleRate int

	// Channels: 1 for mono (capture), 2 for stereo (some playback paths).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame's PCM data. Returns 0 when the
// frame's format fields are unset.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Buffer is a complete utterance or playback unit of PCM audio. Unlike
// [Frame] it has no capture timestamp; it is the currency between the capture
// session, the transcriber, and the playback scheduler.
type Buffer struct {
	// PCM is raw 16-bit signed little-endian PCM.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count (1 = mono, 2 = stereo).
	Channels int
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return PCMDuration(len(b.PCM), b.SampleRate, b.Channels)
}

// PCMDuration converts a byte count of 16-bit PCM into a play duration.
// Returns 0 for invalid format parameters.
func PCMDuration(numBytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 || numBytes <= 0 {
		return 0
	}
	samples := numBytes / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
