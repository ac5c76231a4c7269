package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/commitgate"
	"github.com/parley-ai/parley/pkg/metrics"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/transcript"
	"github.com/parley-ai/parley/pkg/vad"
)

type StreamEventKind int

const (
	StreamOpened StreamEventKind = iota
	StreamPartial
	StreamFinal
	StreamSpeechStarted
	StreamUtteranceEnd
	StreamClosed
	StreamError
)

type StreamEvent struct {
	Kind StreamEventKind
	Text string
	Err  error
}

// A StreamingTranscriber is a live recognition connection. Commit asks it
// to finalize buffered audio; the finalized text arrives later as a
// StreamFinal event.
type StreamingTranscriber interface {
	Start(ctx context.Context) error
	SendAudio(p []byte) error
	Commit() error
	Events() <-chan StreamEvent
	Close() error
}

type StreamOptions struct {
	SessionID  string
	Lang       string
	SampleRate int
}

type StreamFactory func(ctx context.Context, opts StreamOptions) (StreamingTranscriber, error)

// safetyTick is how often a stalled stream is checked for commit-worthy
// buffered audio the detector never flushed.
const safetyTick = 600 * time.Millisecond

// safetyPendingMs of uncommitted audio forces a commit on the next tick.
const safetyPendingMs = 2000

type rtStream struct {
	id      string
	env     protocol.Envelope
	tr      StreamingTranscriber
	gate    *commitgate.Gate
	det     *vad.Detector
	asm     *transcript.Assembler
	pcm     *audio.PCMStream
	preroll time.Duration
	mime    string

	stopTick chan struct{}
	stopOnce sync.Once
	evDone   chan struct{}
}

func (s *Session) stream(id string) *rtStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *Session) popStream(id string) *rtStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.streams[id]
	delete(s.streams, id)
	return rt
}

func (s *Session) startRealtime(ctx context.Context, env protocol.Envelope, req protocol.STTStart) {
	// A duplicate start re-acks and keeps the live stream; tearing it
	// down would lose audio already sent to the recognizer.
	s.mu.Lock()
	exists := s.streams[req.SessionID] != nil
	s.mu.Unlock()
	if exists {
		s.reply(env, protocol.TypeSTTAck, protocol.STTAck{SessionID: req.SessionID})
		return
	}

	tr, err := s.deps.RealtimeFactory(ctx, StreamOptions{
		SessionID:  req.SessionID,
		Lang:       req.Lang,
		SampleRate: audio.TargetSampleRate,
	})
	if err != nil {
		s.log.Error("realtime factory failed", slog.String("error", err.Error()))
		s.sttError(env, req.SessionID, "recognizer unavailable")
		return
	}
	if err := tr.Start(ctx); err != nil {
		s.log.Error("realtime start failed", slog.String("error", err.Error()))
		s.sttError(env, req.SessionID, "recognizer unavailable")
		return
	}

	rt := &rtStream{
		id:       req.SessionID,
		env:      env,
		tr:       tr,
		gate:     commitgate.New(s.cfg.MinCommit),
		det:      vad.NewDetector(s.vadConfig()),
		asm:      transcript.NewAssembler(),
		preroll:  time.Duration(s.vadConfig().PrerollMs) * time.Millisecond,
		mime:     req.Mime,
		stopTick: make(chan struct{}),
		evDone:   make(chan struct{}),
	}

	// Compressed uploads run through a long-lived decoder; PCM and
	// G.711 frames are handled inline in feedB64.
	if req.Mime != "" && req.Mime != "audio/pcm" && req.Mime != "audio/l16" && !audio.IsG711(req.Mime) {
		if s.deps.FFmpeg == nil {
			_ = tr.Close()
			s.sttError(env, req.SessionID, "unsupported realtime mime")
			return
		}
		pcm, err := s.deps.FFmpeg.StartPCMStream(ctx, 0, func(frame []byte) { s.onPCMFrame(rt, frame) })
		if err != nil {
			_ = tr.Close()
			s.log.Error("pcm stream start failed", slog.String("error", err.Error()))
			s.sttError(env, req.SessionID, "could not start audio decoder")
			return
		}
		rt.pcm = pcm
	}

	s.mu.Lock()
	s.streams[req.SessionID] = rt
	s.mu.Unlock()

	go s.pumpStreamEvents(rt)
	go s.safetyLoop(rt)

	s.log.Info("realtime stt started",
		slog.String("stt_session", req.SessionID),
		slog.String("mime", req.Mime))
	s.reply(env, protocol.TypeSTTAck, protocol.STTAck{SessionID: req.SessionID})
}

// feedB64 is called from the transport read loop for every stt_audio
// frame of a realtime session.
func (s *Session) feedB64(rt *rtStream, b64 string) {
	chunk, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.sttError(rt.env, rt.id, "invalid base64 audio chunk")
		return
	}
	switch {
	case rt.pcm != nil:
		if _, err := rt.pcm.Write(chunk); err != nil {
			s.log.Warn("decoder write failed", slog.String("stt_session", rt.id), slog.String("error", err.Error()))
		}
	case audio.IsG711(rt.mime):
		pcm, err := audio.DecodeG711(chunk, rt.mime)
		if err != nil {
			s.sttError(rt.env, rt.id, "bad g711 chunk")
			return
		}
		s.onPCMFrame(rt, pcm)
	default:
		s.onPCMFrame(rt, chunk)
	}
}

// onPCMFrame forwards one decoded frame to the recognizer and advances
// the voice detector.
func (s *Session) onPCMFrame(rt *rtStream, frame []byte) {
	rt.gate.NoteAudio(len(frame))
	if err := rt.tr.SendAudio(frame); err != nil {
		s.log.Warn("recognizer send failed", slog.String("stt_session", rt.id), slog.String("error", err.Error()))
	}

	d := rt.det.Step(vad.FeaturesPCM16(frame), time.Now())
	if d.SpeechStart {
		s.reply(rt.env, protocol.TypeSTTVadStart, protocol.STTEvent{SessionID: rt.id})
	}
	if d.EndOfTurn {
		s.reply(rt.env, protocol.TypeSTTVadStop, protocol.STTEvent{SessionID: rt.id})
		// The commit waits out the pre-roll so trailing audio reaches
		// the recognizer before the buffer is finalized.
		if rt.preroll > 0 {
			time.AfterFunc(rt.preroll, func() { s.tryCommit(rt) })
		} else {
			s.tryCommit(rt)
		}
	}
}

// tryCommit opens the gate if enough audio accumulated and no commit is
// pending, then asks the recognizer to finalize. A failed send reopens
// the gate so a later trigger can retry.
func (s *Session) tryCommit(rt *rtStream) {
	select {
	case <-rt.stopTick:
		return
	default:
	}
	if !rt.gate.TryBegin(time.Now()) {
		return
	}
	s.deps.Observer.RecordEvent(metrics.Event{
		Name: metrics.EventSTTCommit,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.id, "stt_session": rt.id},
	})
	if err := rt.tr.Commit(); err != nil {
		rt.gate.Fail()
		s.log.Warn("commit failed", slog.String("stt_session", rt.id), slog.String("error", err.Error()))
	}
}

// safetyLoop forces a commit when audio piles up without the detector
// ever closing a turn, so long rambling speech still finalizes.
func (s *Session) safetyLoop(rt *rtStream) {
	t := time.NewTicker(safetyTick)
	defer t.Stop()
	for {
		select {
		case <-rt.stopTick:
			return
		case <-t.C:
			if rt.gate.PendingMs() >= safetyPendingMs {
				s.tryCommit(rt)
			}
		}
	}
}

func (s *Session) pumpStreamEvents(rt *rtStream) {
	defer close(rt.evDone)
	for ev := range rt.tr.Events() {
		switch ev.Kind {
		case StreamOpened:
			s.reply(rt.env, protocol.TypeSTTReady, protocol.STTEvent{SessionID: rt.id})
		case StreamPartial:
			s.reply(rt.env, protocol.TypeSTTPartial, protocol.STTPartial{SessionID: rt.id, Text: ev.Text})
		case StreamFinal:
			// The gate reopens on every answered commit, even one that
			// finalized a silent window and carries no text.
			rt.gate.Ack()
			if ev.Text == "" {
				continue
			}
			acc := rt.asm.Add(ev.Text)
			s.reply(rt.env, protocol.TypeSTTFinal, protocol.STTPartial{SessionID: rt.id, Text: acc})
			s.deps.Observer.RecordEvent(metrics.Event{
				Name: metrics.EventSTTFinal,
				Time: time.Now(),
				Tags: map[string]string{"session_id": s.id, "stt_session": rt.id, "mode": "realtime"},
			})
		case StreamError:
			if ev.Err != nil {
				s.log.Warn("recognizer error", slog.String("stt_session", rt.id), slog.String("error", ev.Err.Error()))
			}
		case StreamClosed:
			return
		}
	}
}

// finishRealtime drains the decoder, commits the tail, waits briefly for
// the last finalized fragment and then reports the transcript. The client
// decides whether to send it back as a user_text turn.
func (s *Session) finishRealtime(_ context.Context, env protocol.Envelope, sttID string, rt *rtStream) {
	rt.stopOnce.Do(func() { close(rt.stopTick) })

	if rt.pcm != nil {
		if err := rt.pcm.CloseSend(); err != nil {
			s.log.Warn("decoder drain failed", slog.String("stt_session", sttID), slog.String("error", err.Error()))
		}
	}
	if err := rt.tr.Commit(); err != nil {
		s.log.Debug("final commit failed", slog.String("stt_session", sttID), slog.String("error", err.Error()))
	}

	// Give the recognizer a moment to deliver the tail fragment.
	select {
	case <-rt.evDone:
	case <-time.After(1500 * time.Millisecond):
	}
	_ = rt.tr.Close()
	select {
	case <-rt.evDone:
	case <-time.After(500 * time.Millisecond):
	}

	// One terminal frame per capture. An empty transcript still ends in
	// stt_result; the text field just carries nothing.
	text := rt.asm.Final()
	s.reply(env, protocol.TypeSTTResult, protocol.STTResult{SessionID: sttID, Text: text})
}

// stop tears a stream down without the graceful drain; used on session
// close.
func (rt *rtStream) stop() {
	rt.stopOnce.Do(func() { close(rt.stopTick) })
	if rt.pcm != nil {
		rt.pcm.Kill()
	}
	_ = rt.tr.Close()
}
