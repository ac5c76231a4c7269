package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/pkg/errorsx"
	"github.com/parley-ai/parley/pkg/memory"
	"github.com/parley-ai/parley/pkg/metrics"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/retrieval"
	"github.com/parley-ai/parley/pkg/segmenter"
	"github.com/parley-ai/parley/pkg/synthesis"
)

type turnInput struct {
	turnID  string
	replyTo string
	text    string
	wantTTS bool
	voice   string
}

// runTurn executes one user turn end to end: retrieval, token streaming,
// sentence cutting, speech synthesis, and exactly one terminal frame.
// Turns serialize on turnMu; a second user_text waits for the first.
func (s *Session) runTurn(ctx context.Context, in turnInput) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if in.turnID == "" {
		in.turnID = in.replyTo
	}
	start := time.Now()
	s.logText("turn started", in.text)

	hits := s.retrieve(ctx, in)
	system := s.buildSystemPrompt(hits)

	seg := segmenter.New(segmenter.Config{Gap: s.cfg.SentenceGap})

	var (
		sentenceIndex int
		seq           int
		firstToken    sync.Once
		firstAudio    atomic.Bool
		replyBuf      strings.Builder
	)

	var disp *synthesis.Dispatcher
	if in.wantTTS && s.deps.Synth != nil {
		disp = synthesis.New(s.deps.Synth, s.cfg.LevelWindowMs, func(r synthesis.Result) {
			s.emitSynthesis(in, r, &firstAudio, start)
		})
	}

	sentence := func(text string) {
		s.sendTyped(protocol.TypeSentence, in.turnID, in.replyTo, protocol.Sentence{Text: text, Index: sentenceIndex})
		s.deps.Observer.RecordEvent(metrics.Event{
			Name:  metrics.EventSentenceCut,
			Time:  time.Now(),
			Value: float64(time.Since(start).Milliseconds()),
			Tags:  map[string]string{"session_id": s.id, "turn_id": in.turnID},
		})
		if disp != nil {
			disp.Dispatch(ctx, sentenceIndex, text, in.voice)
		}
		sentenceIndex++
	}

	streamErr := s.deps.LLM.StreamChat(ctx, system, in.text, func(delta string) {
		firstToken.Do(func() {
			s.deps.Observer.RecordEvent(metrics.Event{
				Name:  metrics.EventLLMFirstToken,
				Time:  time.Now(),
				Value: float64(time.Since(start).Milliseconds()),
				Tags:  map[string]string{"session_id": s.id, "turn_id": in.turnID},
			})
		})
		replyBuf.WriteString(delta)
		s.sendTyped(protocol.TypeLLMToken, in.turnID, in.replyTo, protocol.LLMToken{Text: delta, Seq: seq})
		seq++
		for _, cut := range seg.Push(delta) {
			sentence(cut)
		}
	})

	if streamErr == nil {
		if rest := seg.Flush(); rest != "" {
			sentence(rest)
		}
	}

	// Sentences already dispatched still finish and arrive in order
	// before the terminal frame, even on a failed stream.
	if disp != nil {
		disp.Wait()
	}

	if streamErr != nil {
		s.log.Error("token stream failed",
			slog.String("turn_id", in.turnID),
			slog.String("error", streamErr.Error()))
		s.deps.Observer.RecordEvent(metrics.Event{
			Name: metrics.EventTurnError,
			Time: time.Now(),
			Tags: map[string]string{"session_id": s.id, "turn_id": in.turnID, "reason": string(errorsx.Reason(streamErr))},
		})
		s.sendError(in.turnID, in.replyTo, errorCode(streamErr), "the reply could not be generated")
		return
	}

	s.mem.Add(memory.RoleUser, in.text)
	s.mem.Add(memory.RoleAssistant, replyBuf.String())

	s.sendTyped(protocol.TypeDone, in.turnID, in.replyTo, nil)
	s.deps.Observer.RecordEvent(metrics.Event{
		Name:  metrics.EventTurnDone,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  map[string]string{"session_id": s.id, "turn_id": in.turnID},
		Fields: map[string]any{
			"sentences": sentenceIndex,
			"tokens":    seq,
		},
	})
}

// retrieve is best effort: a failing index degrades to an ungrounded
// reply instead of aborting the turn.
func (s *Session) retrieve(ctx context.Context, in turnInput) []retrieval.Hit {
	if s.deps.Index == nil || s.deps.Embedder == nil || s.deps.Index.Len() == 0 {
		return nil
	}
	hits, err := s.deps.Index.Search(ctx, s.deps.Embedder, in.text, s.cfg.TopK)
	if err != nil {
		s.log.Warn("retrieval failed",
			slog.String("turn_id", in.turnID),
			slog.String("error", err.Error()))
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	sources := make([]protocol.Source, 0, len(hits))
	for i, h := range hits {
		sources = append(sources, protocol.Source{
			N:       i + 1,
			ID:      h.Chunk.ID,
			Source:  h.Chunk.Source,
			Preview: h.Chunk.Preview(),
			Score:   h.Score,
		})
	}
	s.sendTyped(protocol.TypeCtxSources, in.turnID, in.replyTo, protocol.CtxSources{Sources: sources})
	return hits
}

func (s *Session) emitSynthesis(in turnInput, r synthesis.Result, firstAudio *atomic.Bool, start time.Time) {
	if r.Err != nil {
		s.log.Warn("sentence synthesis failed",
			slog.String("turn_id", in.turnID),
			slog.Int("sentence_index", r.Index),
			slog.String("error", r.Err.Error()))
		s.sendTyped(protocol.TypeTTSError, in.turnID, in.replyTo, protocol.TTSError{
			SentenceIndex: r.Index,
			Message:       "synthesis failed for this sentence",
		})
		return
	}
	if len(r.Levels) > 0 {
		s.sendTyped(protocol.TypeTTSLevels, in.turnID, in.replyTo, protocol.TTSLevels{
			SentenceIndex: r.Index,
			WinMs:         s.levelWindowMs(),
			Levels:        r.Levels,
		})
	}
	s.sendTyped(protocol.TypeTTSChunk, in.turnID, in.replyTo, protocol.TTSChunk{
		SentenceIndex: r.Index,
		Mime:          r.Mime,
		AudioB64:      base64.StdEncoding.EncodeToString(r.Audio),
	})
	if firstAudio.CompareAndSwap(false, true) {
		s.deps.Observer.RecordEvent(metrics.Event{
			Name:  metrics.EventTTSFirstAudio,
			Time:  time.Now(),
			Value: float64(time.Since(start).Milliseconds()),
			Tags:  map[string]string{"session_id": s.id, "turn_id": in.turnID},
		})
	}
}

func (s *Session) levelWindowMs() int {
	if s.cfg.LevelWindowMs > 0 {
		return s.cfg.LevelWindowMs
	}
	return 40
}

func errorCode(err error) string {
	switch errorsx.Reason(err) {
	case errorsx.ReasonLLMRateLimit:
		return "rate_limited"
	case errorsx.ReasonLLMStream:
		return "llm_failed"
	default:
		return "internal"
	}
}
