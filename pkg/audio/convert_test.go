package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/voxloop/voxloop/pkg/audio"
)

// pcmBytes encodes int16 samples as little-endian PCM.
func pcmBytes(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// pcmSamples decodes little-endian PCM back into int16 samples.
func pcmSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func assertSamples(t *testing.T, got []byte, want []int16) {
	t.Helper()
	gotSamples := pcmSamples(got)
	if len(gotSamples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(gotSamples), len(want))
	}
	for i := range want {
		if gotSamples[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, gotSamples[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	stereo := audio.MonoToStereo(pcmBytes(100, 200, 300))
	assertSamples(t, stereo, []int16{100, 100, 200, 200, 300, 300})
}

func TestMonoToStereo_IgnoresTrailingByte(t *testing.T) {
	// 5 bytes: two whole samples (100, 200) plus one stray byte.
	stereo := audio.MonoToStereo([]byte{0x64, 0x00, 0xC8, 0x00, 0xFF})
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes from 2 whole samples, got %d", len(stereo))
	}
	assertSamples(t, stereo, []int16{100, 100, 200, 200})
}

func TestStereoToMono(t *testing.T) {
	mono := audio.StereoToMono(pcmBytes(100, 200, -100, -200))
	assertSamples(t, mono, []int16{150, -150})
}

func TestStereoToMono_ClampsAtRangeLimit(t *testing.T) {
	mono := audio.StereoToMono(pcmBytes(32767, 32767))
	assertSamples(t, mono, []int16{32767})
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate passes through", func(t *testing.T) {
		pcm := pcmBytes(100, 200, 300)
		out := audio.ResampleMono16(pcm, 48000, 48000)
		if len(out) != len(pcm) {
			t.Fatalf("got %d bytes, want %d", len(out), len(pcm))
		}
	})

	t.Run("upsample 16k to 48k", func(t *testing.T) {
		out := pcmSamples(audio.ResampleMono16(pcmBytes(1000, 2000), 16000, 48000))
		if len(out) != 6 {
			t.Fatalf("expected 6 samples, got %d", len(out))
		}
		if out[0] != 1000 {
			t.Errorf("first sample: got %d, want 1000", out[0])
		}
		if last := out[len(out)-1]; last < 1800 || last > 2200 {
			t.Errorf("last sample: got %d, want close to 2000", last)
		}
	})

	t.Run("downsample 48k to 16k", func(t *testing.T) {
		out := pcmSamples(audio.ResampleMono16(pcmBytes(100, 200, 300, 400, 500, 600), 48000, 16000))
		if len(out) != 2 {
			t.Fatalf("expected 2 samples, got %d", len(out))
		}
	})
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz become 6 frames (12 samples) at 48kHz.
	out := pcmSamples(audio.ResampleStereo16(pcmBytes(100, 200, 300, 400), 16000, 48000))
	if len(out) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(out))
	}
}

func TestResample_NonPositiveRatesPassThrough(t *testing.T) {
	mono := pcmBytes(100, 200)
	stereo := pcmBytes(100, 200, 300, 400)

	cases := []struct {
		name     string
		src, dst int
	}{
		{"zero src", 0, 48000},
		{"zero dst", 48000, 0},
		{"negative src", -1, 48000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if out := audio.ResampleMono16(mono, tc.src, tc.dst); len(out) != len(mono) {
				t.Errorf("mono: got len %d, want %d", len(out), len(mono))
			}
			if out := audio.ResampleStereo16(stereo, tc.src, tc.dst); len(out) != len(stereo) {
				t.Errorf("stereo: got len %d, want %d", len(out), len(stereo))
			}
		})
	}
}

func TestFormatConverter_MatchingFormatReturnsSameSlice(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	frame := audio.Frame{Data: pcmBytes(100, 200), SampleRate: 48000, Channels: 2}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("matching format should return the input slice without copying")
	}
}

func TestFormatConverter_ChannelConversion(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.Frame{Data: pcmBytes(100, 200, 300), SampleRate: 48000, Channels: 1})
	assertSamples(t, result.Data, []int16{100, 100, 200, 200, 300, 300})
	if result.SampleRate != 48000 || result.Channels != 2 {
		t.Errorf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
}

func TestFormatConverter_RateAndChannelConversion(t *testing.T) {
	// 22050 Hz mono in, 48000 Hz stereo out.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.Frame{Data: pcmBytes(1000, 2000), SampleRate: 22050, Channels: 1})
	if result.SampleRate != 48000 || result.Channels != 2 {
		t.Fatalf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	got := pcmSamples(result.Data)
	if len(got) == 0 {
		t.Fatal("expected non-empty output")
	}
	if len(got)%2 != 0 {
		t.Errorf("stereo output should have an even sample count, got %d", len(got))
	}
}

func TestFormatConverter_DropsOddByteFrames(t *testing.T) {
	// The corrupt frame carries the target format, not the source format,
	// and is dropped regardless of whether the source format matched.
	for _, srcRate := range []int{22050, 48000} {
		conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
		result := conv.Convert(audio.Frame{Data: []byte{1, 2, 3}, SampleRate: srcRate, Channels: 1})
		if len(result.Data) != 0 {
			t.Errorf("srcRate %d: expected empty data, got %d bytes", srcRate, len(result.Data))
		}
		if result.SampleRate != 48000 || result.Channels != 1 {
			t.Errorf("srcRate %d: expected target format on dropped frame, got %dHz %dch",
				srcRate, result.SampleRate, result.Channels)
		}
	}
}

func TestConvertStream(t *testing.T) {
	in := make(chan audio.Frame, 3)
	out := audio.ConvertStream(in, audio.Format{SampleRate: 48000, Channels: 2})

	// A mono frame that needs conversion, a corrupt frame that gets
	// dropped, and a frame already in the target format.
	in <- audio.Frame{Data: pcmBytes(100, 200), SampleRate: 48000, Channels: 1}
	in <- audio.Frame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1}
	in <- audio.Frame{Data: pcmBytes(500, 600, 700, 800), SampleRate: 48000, Channels: 2}
	close(in)

	var results []audio.Frame
	for frame := range out {
		results = append(results, frame)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(results))
	}

	for i, r := range results {
		if r.SampleRate != 48000 || r.Channels != 2 {
			t.Errorf("frame %d: expected 48000Hz stereo, got %dHz %dch", i, r.SampleRate, r.Channels)
		}
	}
	assertSamples(t, results[0].Data, []int16{100, 100, 200, 200})
	assertSamples(t, results[1].Data, []int16{500, 600, 700, 800})
}
