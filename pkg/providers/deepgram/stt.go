// Package deepgram wraps the Deepgram live websocket API as the realtime
// recognizer. Audio is pumped through an io.Pipe into the SDK's Stream
// loop; transcript and voice events come back on a typed channel.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/parley-ai/parley/pkg/errorsx"
	"github.com/parley-ai/parley/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	VADEvents  bool
	SessionID  string
}

type EventKind int

const (
	EventOpened EventKind = iota
	EventPartial
	EventFinal
	EventSpeechStarted
	EventUtteranceEnd
	EventClosed
	EventError
)

type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Transcriber is one live recognition stream. It is not reusable; create
// a fresh one per utterance session.
type Transcriber struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Transcriber{
		cfg:    cfg,
		out:    make(chan Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: t.cfg.Interim,
		VadEvents:      t.cfg.VADEvents,
		SmartFormat:    true,
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("session_id", t.cfg.SessionID),
		slog.String("model", t.cfg.Model),
		slog.Bool("vad_events", t.cfg.VADEvents),
		slog.Int("sample_rate", t.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: t})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("deepgram client: %w", err), errorsx.ReasonSTTStream)
	}
	t.dgClient = dgClient

	if connected := t.dgClient.Connect(); !connected {
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTStream)
	}

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("session_id", t.cfg.SessionID))
			t.emit(Event{Kind: EventError, Err: errorsx.Wrap(err, errorsx.ReasonSTTStream)})
		}
	}()
	return nil
}

// SendAudio forwards raw PCM to the recognizer.
func (t *Transcriber) SendAudio(p []byte) error {
	if t.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("transcriber not started"), errorsx.ReasonSTTStream)
	}
	if _, err := t.pipeWriter.Write(p); err != nil {
		return errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonSTTStream)
	}
	return nil
}

// Commit asks the recognizer to finalize everything buffered so far. The
// answer arrives as an EventFinal on the events channel.
func (t *Transcriber) Commit() error {
	if t.dgClient == nil {
		return errorsx.Wrap(fmt.Errorf("transcriber not started"), errorsx.ReasonSTTCommit)
	}
	if err := t.dgClient.Finalize(); err != nil {
		return errorsx.Wrap(fmt.Errorf("finalize: %w", err), errorsx.ReasonSTTCommit)
	}
	return nil
}

func (t *Transcriber) Events() <-chan Event { return t.out }

func (t *Transcriber) Close() error {
	t.logger.Info("closing deepgram connection",
		slog.String("session_id", t.cfg.SessionID))
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
	}
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
	return nil
}

// emit never blocks the SDK's reader goroutine; a full channel drops the
// event and logs it.
func (t *Transcriber) emit(ev Event) {
	select {
	case t.out <- ev:
	default:
		t.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", t.cfg.SessionID),
			slog.Int("kind", int(ev.Kind)))
	}
}

type callback struct {
	parent     *Transcriber
	metaLogged bool
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	c.parent.emit(Event{Kind: EventOpened})
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	var transcript string
	if len(mr.Channel.Alternatives) > 0 {
		transcript = mr.Channel.Alternatives[0].Transcript
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	// Empty finals still ship: a finalize over silence answers a commit
	// and the consumer must see that answer. Empty partials are noise.
	if transcript == "" && !isFinal {
		return nil
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("is_final", isFinal))

	kind := EventPartial
	if isFinal {
		kind = EventFinal
	}
	c.parent.emit(Event{Kind: kind, Text: transcript})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.emit(Event{Kind: EventSpeechStarted})
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.emit(Event{Kind: EventUtteranceEnd})
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	c.parent.emit(Event{Kind: EventClosed})
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(Event{Kind: EventError, Err: errorsx.Wrap(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSTTStream)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}
