// Package audio holds the PCM plumbing shared by the speech pipeline:
// WAV parse/encode, per-window level extraction, container transcoding via
// ffmpeg, and an in-process G.711 fast path.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// ParseWAVPCM16 walks the RIFF chunks of a WAV file and returns mono
// 16-bit little-endian PCM plus the sample rate. Stereo input is downmixed
// by averaging channels. Non-PCM or non-16-bit encodings are rejected.
func ParseWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrNotWAV
	}

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		haveFmt       bool
		pcm           []byte
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: fmt chunk too small (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported wav format tag %d", format)
			}
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d", bitsPerSample)
			}
			if channels < 1 || channels > 2 {
				return nil, 0, fmt.Errorf("audio: unsupported channel count %d", channels)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return nil, 0, errors.New("audio: missing fmt chunk")
	}
	if pcm == nil {
		return nil, 0, errors.New("audio: missing data chunk")
	}

	if channels == 2 {
		n := len(pcm) / 4
		mono := make([]byte, n*2)
		for i := 0; i < n; i++ {
			l := int16(binary.LittleEndian.Uint16(pcm[4*i:]))
			r := int16(binary.LittleEndian.Uint16(pcm[4*i+2:]))
			binary.LittleEndian.PutUint16(mono[2*i:], uint16(int16((int32(l)+int32(r))/2)))
		}
		pcm = mono
	}
	return pcm, sampleRate, nil
}

// EncodeWAVPCM16 wraps mono 16-bit little-endian PCM in a minimal WAV
// container.
func EncodeWAVPCM16(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:34], 2)
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
