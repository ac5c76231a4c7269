// Package session orchestrates one websocket conversation: speech capture
// and recognition, retrieval-grounded token streaming, sentence cutting
// and ordered speech synthesis. One Session serves one connection.
package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/errorsx"
	"github.com/parley-ai/parley/pkg/logging"
	"github.com/parley-ai/parley/pkg/memory"
	"github.com/parley-ai/parley/pkg/metrics"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/redact"
	"github.com/parley-ai/parley/pkg/retrieval"
	"github.com/parley-ai/parley/pkg/synthesis"
	"github.com/parley-ai/parley/pkg/vad"
)

// A Sender pushes one envelope to the client. Implementations must be
// safe for concurrent use; ordering is preserved per caller.
type Sender interface {
	Send(env protocol.Envelope) error
}

// A TokenStreamer streams a chat completion token by token.
type TokenStreamer interface {
	StreamChat(ctx context.Context, system, user string, onToken func(string)) error
}

// A Transcriber recognizes a finished WAV clip.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, lang string) (string, error)
}

// Deps are the collaborators a session needs. Index, Embedder, Synth,
// STT, Transcoder and RealtimeFactory are optional; missing ones degrade
// the matching feature instead of failing the session.
type Deps struct {
	Sender     Sender
	LLM        TokenStreamer
	STT        Transcriber
	Transcoder audio.Transcoder
	Synth      synthesis.Synthesizer
	Index      *retrieval.Index
	Embedder   retrieval.Embedder
	Observer   metrics.Observer
	Logger     *slog.Logger

	// RealtimeFactory, when set together with Config.RealtimeSTT,
	// switches speech capture from batch to streaming recognition.
	RealtimeFactory StreamFactory
	// FFmpeg enables streaming decode of compressed realtime uploads.
	FFmpeg *audio.FFmpeg
}

type Config struct {
	Persona       string
	SentenceGap   time.Duration
	TopK          int
	LevelWindowMs int
	DefaultVoice  string
	// STTMaxBytes caps one batch capture, default 10MB.
	STTMaxBytes int
	// RealtimeSTT selects streaming recognition for stt sessions.
	RealtimeSTT bool
	// MinCommit is the buffered-audio minimum per recognizer commit;
	// zero means the commitgate default.
	MinCommit time.Duration
	// VAD tunes end-of-turn detection; the zero value means defaults.
	VAD         vad.Config
	MemoryTurns int
	MemoryChars int
}

type sttCapture struct {
	lang string
	mime string
	buf  bytes.Buffer
}

type Session struct {
	id   string
	deps Deps
	cfg  Config
	log  *slog.Logger
	mem  *memory.Memory

	// turnMu serializes turns; audio frames keep flowing while a turn
	// runs.
	turnMu sync.Mutex

	mu       sync.Mutex
	captures map[string]*sttCapture
	streams  map[string]*rtStream

	wg sync.WaitGroup
}

func New(deps Deps, cfg Config) *Session {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.STTMaxBytes <= 0 {
		cfg.STTMaxBytes = 10 << 20
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		deps:     deps,
		cfg:      cfg,
		log:      logging.NewComponentLogger(deps.Logger, "session").With(slog.String("session_id", id)),
		mem:      memory.New(cfg.MemoryTurns, cfg.MemoryChars),
		captures: make(map[string]*sttCapture),
		streams:  make(map[string]*rtStream),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) vadConfig() vad.Config {
	if s.cfg.VAD == (vad.Config{}) {
		return vad.DefaultConfig()
	}
	return s.cfg.VAD
}

// HandleMessage dispatches one inbound frame. It is called from the
// transport's read loop; long work (turns, transcription) runs in
// background goroutines so audio keeps flowing.
func (s *Session) HandleMessage(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSTTStart:
		s.handleSttStart(ctx, env)
	case protocol.TypeSTTAudio:
		s.handleSttAudio(ctx, env)
	case protocol.TypeSTTEnd:
		s.handleSttEnd(ctx, env)
	case protocol.TypeUserText:
		s.handleUserText(ctx, env)
	default:
		s.log.Warn("unknown message type", slog.String("type", env.Type))
		s.sendError(env.TurnID, env.MsgID, "bad_request", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// Close tears down in-flight captures and waits for background work.
func (s *Session) Close() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*rtStream)
	s.captures = make(map[string]*sttCapture)
	s.mu.Unlock()
	for _, rt := range streams {
		rt.stop()
	}
	s.wg.Wait()
}

func (s *Session) handleUserText(ctx context.Context, env protocol.Envelope) {
	var req protocol.UserText
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.sendError(env.TurnID, env.MsgID, "bad_request", err.Error())
		return
	}
	if req.Text == "" {
		s.sendError(env.TurnID, env.MsgID, "bad_request", "empty text")
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(ctx, turnInput{
			turnID:  env.TurnID,
			replyTo: env.MsgID,
			text:    req.Text,
			wantTTS: req.WantTTS(),
			voice:   voice,
		})
	}()
}

func (s *Session) handleSttStart(ctx context.Context, env protocol.Envelope) {
	var req protocol.STTStart
	if err := protocol.DecodePayload(env, &req); err != nil || req.SessionID == "" {
		s.sendError(env.TurnID, env.MsgID, "bad_request", "stt_start: missing sessionId")
		return
	}

	if s.cfg.RealtimeSTT && s.deps.RealtimeFactory != nil {
		s.startRealtime(ctx, env, req)
		return
	}

	s.mu.Lock()
	// A duplicate start is a no-op ack. A client retry after a dropped
	// ack converges without losing audio it already uploaded.
	if s.captures[req.SessionID] == nil {
		s.captures[req.SessionID] = &sttCapture{lang: req.Lang, mime: req.Mime}
	}
	s.mu.Unlock()

	s.log.Info("stt capture started",
		slog.String("stt_session", req.SessionID),
		slog.String("mime", req.Mime))
	s.reply(env, protocol.TypeSTTAck, protocol.STTAck{SessionID: req.SessionID})
}

func (s *Session) handleSttAudio(_ context.Context, env protocol.Envelope) {
	var req protocol.STTAudio
	if err := protocol.DecodePayload(env, &req); err != nil || req.SessionID == "" {
		s.sendError(env.TurnID, env.MsgID, "bad_request", "stt_audio: bad payload")
		return
	}

	if rt := s.stream(req.SessionID); rt != nil {
		s.feedB64(rt, req.B64)
		return
	}

	s.mu.Lock()
	cap := s.captures[req.SessionID]
	s.mu.Unlock()
	if cap == nil {
		// Audio for an unknown capture is dropped, not answered; late
		// frames after stt_end are normal.
		s.log.Debug("audio for unknown stt session", slog.String("stt_session", req.SessionID))
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(req.B64)
	if err != nil {
		// One bad chunk is reported and skipped; the capture stays
		// usable.
		s.sttError(env, req.SessionID, "invalid base64 audio chunk")
		return
	}
	if cap.buf.Len()+len(chunk) > s.cfg.STTMaxBytes {
		s.sttError(env, req.SessionID, "audio capture too large")
		return
	}
	cap.buf.Write(chunk)
}

func (s *Session) handleSttEnd(ctx context.Context, env protocol.Envelope) {
	var req protocol.STTEnd
	if err := protocol.DecodePayload(env, &req); err != nil || req.SessionID == "" {
		s.sendError(env.TurnID, env.MsgID, "bad_request", "stt_end: missing sessionId")
		return
	}

	if rt := s.popStream(req.SessionID); rt != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.finishRealtime(ctx, env, req.SessionID, rt)
		}()
		return
	}

	// The capture is removed before processing so the slot is free for
	// the next utterance no matter how this one ends.
	s.mu.Lock()
	cap := s.captures[req.SessionID]
	delete(s.captures, req.SessionID)
	s.mu.Unlock()
	if cap == nil {
		s.log.Debug("stt_end for unknown session", slog.String("stt_session", req.SessionID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribeAndRespond(ctx, env, req.SessionID, cap)
	}()
}

func (s *Session) transcribeAndRespond(ctx context.Context, env protocol.Envelope, sttID string, cap *sttCapture) {
	if s.deps.STT == nil {
		s.sttError(env, sttID, "speech recognition not configured")
		return
	}
	if cap.buf.Len() == 0 {
		s.sttError(env, sttID, "no audio received")
		return
	}

	wav, err := s.toWAV(ctx, cap)
	if err != nil {
		s.log.Error("transcode failed", slog.String("stt_session", sttID), slog.String("error", err.Error()))
		s.sttError(env, sttID, "could not decode audio")
		return
	}

	start := time.Now()
	text, err := s.deps.STT.Transcribe(ctx, wav, cap.lang)
	if err != nil {
		s.log.Error("transcription failed", slog.String("stt_session", sttID), slog.String("error", err.Error()))
		s.sttError(env, sttID, "transcription failed")
		return
	}
	s.deps.Observer.RecordEvent(metrics.Event{
		Name:  metrics.EventSTTFinal,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  map[string]string{"session_id": s.id, "mode": "batch"},
	})

	// One terminal frame per capture, whatever the text. The client
	// decides whether to send the transcript back as a user_text turn.
	s.reply(env, protocol.TypeSTTResult, protocol.STTResult{SessionID: sttID, Text: text})
}

// toWAV normalizes a finished capture. G.711 payloads decode in process;
// anything else goes through the external transcoder.
func (s *Session) toWAV(ctx context.Context, cap *sttCapture) ([]byte, error) {
	if audio.IsG711(cap.mime) {
		pcm, err := audio.DecodeG711(cap.buf.Bytes(), cap.mime)
		if err != nil {
			return nil, err
		}
		return audio.EncodeWAVPCM16(pcm, audio.G711SampleRate), nil
	}
	if s.deps.Transcoder == nil {
		return nil, errorsx.Wrap(fmt.Errorf("no transcoder configured"), errorsx.ReasonSTTTranscode)
	}
	return s.deps.Transcoder.ToWAV(ctx, cap.buf.Bytes())
}

func (s *Session) reply(to protocol.Envelope, typ string, payload any) {
	env, err := protocol.New(typ, to.TurnID, to.MsgID, payload)
	if err != nil {
		s.log.Error("encode reply failed", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	s.send(env)
}

func (s *Session) send(env protocol.Envelope) {
	if err := s.deps.Sender.Send(env); err != nil {
		s.log.Warn("send failed",
			slog.String("type", env.Type),
			slog.String("error", err.Error()))
	}
}

func (s *Session) sendTyped(typ, turnID, replyTo string, payload any) {
	env, err := protocol.New(typ, turnID, replyTo, payload)
	if err != nil {
		s.log.Error("encode failed", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	s.send(env)
}

func (s *Session) sendError(turnID, replyTo, code, msg string) {
	s.sendTyped(protocol.TypeError, turnID, replyTo, protocol.Error{Code: code, Message: msg})
}

func (s *Session) sttError(to protocol.Envelope, sttID, msg string) {
	s.reply(to, protocol.TypeSTTError, protocol.STTError{SessionID: sttID, Message: msg})
}

func (s *Session) logText(label, text string) {
	s.log.Debug(label, slog.String("text", redact.Clip(redact.Text(text), 200)))
}
