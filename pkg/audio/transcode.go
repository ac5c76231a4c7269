package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/parley-ai/parley/pkg/errorsx"
)

// TargetSampleRate is the pipeline-wide recognizer input rate.
const TargetSampleRate = 16000

// A Transcoder converts an arbitrary uploaded audio container to 16kHz
// mono 16-bit WAV.
type Transcoder interface {
	ToWAV(ctx context.Context, in []byte) ([]byte, error)
}

// FFmpeg shells out to the ffmpeg binary for container decoding. The
// input format is sniffed by ffmpeg itself, so webm, ogg, mp4 and wav
// uploads all take the same path.
type FFmpeg struct {
	// Path to the binary, default "ffmpeg".
	Path string
	// Timeout per invocation, default 20s.
	Timeout time.Duration
}

func (f *FFmpeg) binary() string {
	if f.Path != "" {
		return f.Path
	}
	return "ffmpeg"
}

func (f *FFmpeg) timeout() time.Duration {
	if f.Timeout > 0 {
		return f.Timeout
	}
	return 20 * time.Second
}

func (f *FFmpeg) ToWAV(ctx context.Context, in []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary(),
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", fmt.Sprint(TargetSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(in)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, errorsx.Wrap(
			fmt.Errorf("ffmpeg transcode: %w (%s)", err, bytes.TrimSpace(errBuf.Bytes())),
			errorsx.ReasonSTTTranscode,
		)
	}
	if out.Len() == 0 {
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg transcode: empty output"), errorsx.ReasonSTTTranscode)
	}
	return out.Bytes(), nil
}

// PCMStream is a long-lived ffmpeg process converting a compressed audio
// stream to raw 16kHz mono s16le frames as it arrives. Write feeds
// compressed bytes; decoded PCM is delivered to the frame callback from a
// dedicated reader goroutine until the process exits or CloseSend drains.
type PCMStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan error
	cancel context.CancelFunc
}

// StartPCMStream launches the decoder. frameSize is the callback chunk
// size in bytes; onFrame must not retain its argument.
func (f *FFmpeg) StartPCMStream(ctx context.Context, frameSize int, onFrame func([]byte)) (*PCMStream, error) {
	if frameSize <= 0 {
		frameSize = TargetSampleRate * 2 / 50 // 20ms
	}
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, f.binary(),
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", fmt.Sprint(TargetSampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTTranscode)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTTranscode)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("ffmpeg start: %w", err), errorsx.ReasonSTTTranscode)
	}

	s := &PCMStream{cmd: cmd, stdin: stdin, done: make(chan error, 1), cancel: cancel}
	go func() {
		buf := make([]byte, frameSize)
		var rerr error
		for {
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				onFrame(buf[:n])
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					rerr = err
				}
				break
			}
		}
		werr := cmd.Wait()
		if rerr == nil {
			rerr = werr
		}
		s.done <- rerr
	}()
	return s, nil
}

func (s *PCMStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// CloseSend signals end of input and waits for the decoder to drain.
func (s *PCMStream) CloseSend() error {
	_ = s.stdin.Close()
	err := <-s.done
	s.cancel()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("ffmpeg stream: %w", err), errorsx.ReasonSTTTranscode)
	}
	return nil
}

// Kill tears the decoder down without draining.
func (s *PCMStream) Kill() {
	_ = s.stdin.Close()
	s.cancel()
	<-s.done
}
