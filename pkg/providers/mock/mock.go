// Package mock provides deterministic in-process providers for tests and
// for running the server without API keys.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

// LLM replays a scripted token stream.
type LLM struct {
	// Tokens emitted per call, in order.
	Tokens []string
	// TokenDelay between emissions.
	TokenDelay time.Duration
	// Err aborts the stream after EmitBeforeErr tokens.
	Err           error
	EmitBeforeErr int
}

func (m *LLM) StreamChat(ctx context.Context, _, _ string, onToken func(string)) error {
	for i, tok := range m.Tokens {
		if m.Err != nil && i >= m.EmitBeforeErr {
			return m.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if m.TokenDelay > 0 {
			time.Sleep(m.TokenDelay)
		}
		onToken(tok)
	}
	if m.Err != nil && m.EmitBeforeErr >= len(m.Tokens) {
		return m.Err
	}
	return nil
}

// Embedder hashes words onto a fixed-size vector, so equal texts embed
// equally and word overlap yields cosine similarity.
type Embedder struct {
	Dim int
	Err error
}

func (m *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	dim := m.Dim
	if dim <= 0 {
		dim = 32
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dim)
		start := 0
		for j := 0; j <= len(t); j++ {
			if j == len(t) || t[j] == ' ' {
				if j > start {
					h := fnv.New32a()
					h.Write([]byte(t[start:j]))
					v[h.Sum32()%uint32(dim)]++
				}
				start = j + 1
			}
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for k := range v {
				v[k] /= n
			}
		}
		out[i] = v
	}
	return out, nil
}

// Synthesizer returns a short valid WAV per sentence after an optional
// per-sentence delay, allowing adversarial completion orders in tests.
type Synthesizer struct {
	// Delays by sentence text.
	Delays map[string]time.Duration
	// Fail lists sentence texts that error.
	Fail map[string]error
	// ClipMs length of the produced clip, default 100.
	ClipMs int
}

func (m *Synthesizer) Synthesize(ctx context.Context, text, _ string) ([]byte, string, error) {
	if d := m.Delays[text]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if err := m.Fail[text]; err != nil {
		return nil, "", err
	}
	ms := m.ClipMs
	if ms <= 0 {
		ms = 100
	}
	pcm := make([]byte, audio.TargetSampleRate*2*ms/1000)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(12000 * math.Sin(2*math.Pi*220*float64(i/2)/float64(audio.TargetSampleRate)))
		pcm[i] = byte(uint16(s))
		pcm[i+1] = byte(uint16(s) >> 8)
	}
	return audio.EncodeWAVPCM16(pcm, audio.TargetSampleRate), "audio/wav", nil
}

// Transcriber returns a fixed transcript for any clip.
type Transcriber struct {
	Text string
	Err  error
}

func (m *Transcriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}

// WAVPassthrough is a Transcoder that accepts WAV input unchanged, for
// tests that do not want to exec ffmpeg.
type WAVPassthrough struct{}

func (WAVPassthrough) ToWAV(_ context.Context, in []byte) ([]byte, error) {
	if _, _, err := audio.ParseWAVPCM16(in); err != nil {
		return nil, err
	}
	return in, nil
}
