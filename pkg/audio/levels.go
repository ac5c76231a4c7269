package audio

import (
	"encoding/binary"
	"math"
)

// DefaultLevelWindowMs is the window used for envelope levels sent to the
// client for waveform animation.
const DefaultLevelWindowMs = 40

// Levels computes one normalized RMS level per window of mono PCM16.
// Levels are scaled against the loudest window, with a floor on the
// reference so near-silent clips do not normalize noise up to full scale,
// then boosted and clamped to [0,1].
func Levels(pcm []byte, sampleRate, winMs int) []float64 {
	if winMs <= 0 {
		winMs = DefaultLevelWindowMs
	}
	samplesPerWin := sampleRate * winMs / 1000
	if samplesPerWin <= 0 {
		return nil
	}
	total := len(pcm) / 2
	if total == 0 {
		return nil
	}

	var rms []float64
	maxRMS := 0.0
	for start := 0; start < total; start += samplesPerWin {
		end := start + samplesPerWin
		if end > total {
			end = total
		}
		var sum float64
		for i := start; i < end; i++ {
			s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
			v := float64(s) / 32768.0
			sum += v * v
		}
		r := math.Sqrt(sum / float64(end-start))
		rms = append(rms, r)
		if r > maxRMS {
			maxRMS = r
		}
	}

	ref := math.Max(maxRMS, 0.08)
	out := make([]float64, len(rms))
	for i, r := range rms {
		l := r / ref * 1.5
		if l > 1 {
			l = 1
		}
		if l < 0 {
			l = 0
		}
		out[i] = l
	}
	return out
}

// LevelsFromWAV parses a WAV clip and returns its envelope levels.
func LevelsFromWAV(wav []byte, winMs int) ([]float64, error) {
	pcm, rate, err := ParseWAVPCM16(wav)
	if err != nil {
		return nil, err
	}
	return Levels(pcm, rate, winMs), nil
}
