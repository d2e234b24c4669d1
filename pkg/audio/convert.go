package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FormatConverter rewrites Frames into a target format. The first mismatch
// and the first corrupt frame each produce a single warning; after that the
// converter works silently. Not safe for concurrent use, keep one per stream.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert brings a frame to the target format. A frame that already matches
// is returned as-is without copying. Resampling happens before channel
// conversion so a stereo source headed for mono is downmixed at the target
// rate, not resampled twice the width.
func (c *FormatConverter) Convert(frame Frame) Frame {
	// int16 PCM must arrive in whole samples.
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return Frame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", describeFormat(frame.SampleRate, frame.Channels),
			"to", describeFormat(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := convertPCM(frame.Data, Format{SampleRate: frame.SampleRate, Channels: frame.Channels}, c.Target)
	return Frame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// convertPCM applies the rate change first and the channel change second.
func convertPCM(pcm []byte, src, dst Format) []byte {
	if src.SampleRate != dst.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, dst.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, src.SampleRate, dst.SampleRate)
		}
	}
	switch {
	case src.Channels == 1 && dst.Channels == 2:
		pcm = MonoToStereo(pcm)
	case src.Channels == 2 && dst.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// ConvertStream runs a converter goroutine between in and the returned
// channel. The output channel inherits in's buffer size and is closed when
// in closes. Frames that convert to empty data (corrupt input) are dropped.
func ConvertStream(in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// ConvertBuffer converts a whole playback buffer to the target format.
// Playback sinks use this to bring scheduler output (typically 24kHz mono
// from TTS) to the device format (e.g. 48kHz stereo for Opus).
func ConvertBuffer(buf Buffer, target Format) Buffer {
	if buf.SampleRate == target.SampleRate && buf.Channels == target.Channels {
		return buf
	}
	conv := FormatConverter{Target: target}
	frame := conv.Convert(Frame{Data: buf.PCM, SampleRate: buf.SampleRate, Channels: buf.Channels})
	return Buffer{PCM: frame.Data, SampleRate: frame.SampleRate, Channels: frame.Channels}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	samples := decodePCM16(pcm)
	out := make([]int16, 0, len(samples)*2)
	for _, s := range samples {
		out = append(out, s, s)
	}
	return encodePCM16(out)
}

// StereoToMono averages each L+R pair into one mono sample. The sum is
// computed in int32 and clamped back to the int16 range.
func StereoToMono(pcm []byte) []byte {
	samples := decodePCM16(pcm)
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range out {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		out[i] = clamp16(avg)
	}
	return encodePCM16(out)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples.
// Equal rates pass the input through unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return encodePCM16(resample16(decodePCM16(pcm), 1, srcRate, dstRate))
}

// ResampleStereo16 is ResampleMono16 for interleaved L+R input. Both
// channels are interpolated along the same frame positions.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	return encodePCM16(resample16(decodePCM16(pcm), 2, srcRate, dstRate))
}

// resample16 linearly interpolates interleaved samples frame by frame.
// The last source frame is held when interpolation reads past the end.
func resample16(samples []int16, channels, srcRate, dstRate int) []int16 {
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		nextIdx := srcIdx
		if srcIdx+1 < srcFrames {
			nextIdx = srcIdx + 1
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[nextIdx*channels+ch]
			out[i*channels+ch] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
		}
	}
	return out
}

// decodePCM16 reads little-endian int16 PCM. A trailing odd byte is ignored.
func decodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// encodePCM16 writes samples back out as little-endian bytes.
func encodePCM16(samples []int16) []byte {
	if samples == nil {
		return nil
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// describeFormat renders a format for log output, e.g. "48000Hz stereo".
func describeFormat(rate, channels int) string {
	ch := "mono"
	switch {
	case channels == 2:
		ch = "stereo"
	case channels > 2:
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
