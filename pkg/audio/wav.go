package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// bitsPerSample is fixed at 16 for the signed little-endian PCM carried
// throughout the pipeline.
const bitsPerSample = 16

// wavHeaderSize is the byte length of a canonical RIFF/WAVE header with a
// single fmt and data chunk.
const wavHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE
// container.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for multipart
// uploads and for transports that expect self-describing audio.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size minus 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV parses a RIFF/WAVE stream containing 16-bit PCM and returns the
// payload as a [Buffer]. Only linear PCM is supported; compressed formats
// return an error. Chunks other than fmt and data are skipped, so files with
// LIST/INFO metadata decode fine.
func DecodeWAV(data []byte) (Buffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Buffer{}, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		bits       int
		haveFmt    bool
	)

	// Walk the chunk list.
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			return Buffer{}, fmt.Errorf("audio: truncated WAV chunk %q", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Buffer{}, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return Buffer{}, fmt.Errorf("audio: unsupported WAV format code %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return Buffer{}, errors.New("audio: WAV data chunk before fmt chunk")
			}
			if bits != bitsPerSample {
				return Buffer{}, fmt.Errorf("audio: unsupported WAV bit depth %d (want %d)", bits, bitsPerSample)
			}
			if sampleRate <= 0 || channels <= 0 {
				return Buffer{}, fmt.Errorf("audio: invalid WAV format (rate=%d channels=%d)", sampleRate, channels)
			}
			pcm := make([]byte, size)
			copy(pcm, data[body:body+size])
			return Buffer{PCM: pcm, SampleRate: sampleRate, Channels: channels}, nil
		}

		// Chunks are word-aligned.
		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}

	return Buffer{}, errors.New("audio: WAV stream has no data chunk")
}
