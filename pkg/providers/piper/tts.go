// Package piper runs the piper text-to-speech binary as a per-sentence
// subprocess. Sentence text goes to stdin, a finished WAV clip comes back
// on stdout.
package piper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/errorsx"
	"github.com/parley-ai/parley/pkg/logging"
	"github.com/parley-ai/parley/pkg/resilience"
)

type Config struct {
	// Binary path, default "piper".
	Binary string
	// ModelPath of the default voice (.onnx).
	ModelPath string
	// ConfigPath of the default voice (.onnx.json); optional, piper
	// falls back to ModelPath+".json".
	ConfigPath string
	// Voices maps client voice names to alternate model paths.
	Voices map[string]string
	// Timeout per sentence, default 30s.
	Timeout time.Duration
}

type Synthesizer struct {
	cfg    Config
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Synthesizer{
		cfg:    cfg,
		retry:  resilience.NewRetryPolicy(1, 150*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "piper_tts"),
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", errorsx.Wrap(fmt.Errorf("empty sentence"), errorsx.ReasonTTSSynthesize)
	}

	model := s.cfg.ModelPath
	if voice != "" {
		if alt, ok := s.cfg.Voices[voice]; ok {
			model = alt
		} else {
			s.logger.Warn("unknown voice, using default", slog.String("voice", voice))
		}
	}
	if model == "" {
		return nil, "", errorsx.Wrap(fmt.Errorf("no tts model configured"), errorsx.ReasonTTSSynthesize)
	}

	var wav []byte
	err := s.retry.DoContext(ctx, func() error {
		out, err := s.run(ctx, model, text)
		if err != nil {
			return err
		}
		wav = out
		return nil
	})
	if err != nil {
		return nil, "", errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}
	return wav, "audio/wav", nil
}

func (s *Synthesizer) run(ctx context.Context, model, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := []string{"--model", model, "--output_file", "-"}
	if s.cfg.ConfigPath != "" && model == s.cfg.ModelPath {
		args = append(args, "--config", s.cfg.ConfigPath)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("piper: %w (%s)", err, bytes.TrimSpace(errBuf.Bytes()))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("piper: empty output")
	}
	s.logger.Debug("sentence synthesized",
		slog.Int("wav_bytes", out.Len()),
		slog.Duration("took", time.Since(start)))
	return out.Bytes(), nil
}
