package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/providers/mock"
	"github.com/parley-ai/parley/pkg/retrieval"
)

// captureSender records every outbound envelope in send order.
type captureSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *captureSender) Send(env protocol.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func (c *captureSender) byType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range c.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func userTextEnv(t *testing.T, text string, tts *bool) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeUserText, "turn-1", "", protocol.UserText{Text: text, TTS: tts})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func newTextSession(sender *captureSender, llm *mock.LLM, synth *mock.Synthesizer) *Session {
	deps := Deps{Sender: sender, LLM: llm}
	if synth != nil {
		deps.Synth = synth
	}
	return New(deps, Config{SentenceGap: time.Hour})
}

func TestUserTextTurnStreamsAndFinishesWithDone(t *testing.T) {
	sender := &captureSender{}
	llm := &mock.LLM{Tokens: []string{"Hello", " there. ", "How are", " you? "}}
	s := newTextSession(sender, llm, &mock.Synthesizer{})

	s.HandleMessage(context.Background(), userTextEnv(t, "hi", nil))
	s.Close()

	envs := sender.all()
	if len(envs) == 0 {
		t.Fatalf("nothing sent")
	}
	if last := envs[len(envs)-1]; last.Type != protocol.TypeDone {
		t.Fatalf("last frame = %s", last.Type)
	}
	if got := len(sender.byType(protocol.TypeDone)); got != 1 {
		t.Fatalf("done count = %d", got)
	}

	toks := sender.byType(protocol.TypeLLMToken)
	if len(toks) != 4 {
		t.Fatalf("token count = %d", len(toks))
	}
	for i, e := range toks {
		var p protocol.LLMToken
		if err := protocol.DecodePayload(e, &p); err != nil {
			t.Fatal(err)
		}
		if p.Seq != i {
			t.Fatalf("token %d has seq %d", i, p.Seq)
		}
	}

	sentences := sender.byType(protocol.TypeSentence)
	if len(sentences) != 2 {
		t.Fatalf("sentence count = %d", len(sentences))
	}
	var first protocol.Sentence
	_ = protocol.DecodePayload(sentences[0], &first)
	if first.Text != "Hello there." || first.Index != 0 {
		t.Fatalf("first sentence = %+v", first)
	}

	chunks := sender.byType(protocol.TypeTTSChunk)
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	for i, e := range chunks {
		var p protocol.TTSChunk
		_ = protocol.DecodePayload(e, &p)
		if p.SentenceIndex != i {
			t.Fatalf("chunk %d has index %d", i, p.SentenceIndex)
		}
		raw, err := base64.StdEncoding.DecodeString(p.AudioB64)
		if err != nil {
			t.Fatalf("chunk %d audio not base64: %v", i, err)
		}
		if _, _, err := audio.ParseWAVPCM16(raw); err != nil {
			t.Fatalf("chunk %d not wav: %v", i, err)
		}
	}
	if len(sender.byType(protocol.TypeTTSLevels)) != 2 {
		t.Fatalf("levels frames missing")
	}
}

func TestChunksOrderedUnderAdversarialSynthesis(t *testing.T) {
	sender := &captureSender{}
	llm := &mock.LLM{Tokens: []string{"One. ", "Two. ", "Three. "}}
	synth := &mock.Synthesizer{Delays: map[string]time.Duration{
		"One.":   50 * time.Millisecond,
		"Two.":   5 * time.Millisecond,
		"Three.": 25 * time.Millisecond,
	}}
	s := newTextSession(sender, llm, synth)

	s.HandleMessage(context.Background(), userTextEnv(t, "count", nil))
	s.Close()

	chunks := sender.byType(protocol.TypeTTSChunk)
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	for i, e := range chunks {
		var p protocol.TTSChunk
		_ = protocol.DecodePayload(e, &p)
		if p.SentenceIndex != i {
			t.Fatalf("chunk order broken at %d: index %d", i, p.SentenceIndex)
		}
	}
}

func TestUserTextWithoutTTS(t *testing.T) {
	sender := &captureSender{}
	f := false
	s := newTextSession(sender, &mock.LLM{Tokens: []string{"Quiet. "}}, &mock.Synthesizer{})

	s.HandleMessage(context.Background(), userTextEnv(t, "hi", &f))
	s.Close()

	if n := len(sender.byType(protocol.TypeTTSChunk)); n != 0 {
		t.Fatalf("tts chunks sent with tts disabled: %d", n)
	}
	if n := len(sender.byType(protocol.TypeDone)); n != 1 {
		t.Fatalf("done count = %d", n)
	}
	if n := len(sender.byType(protocol.TypeSentence)); n != 1 {
		t.Fatalf("sentence count = %d", n)
	}
}

func TestStreamErrorEndsWithErrorNotDone(t *testing.T) {
	sender := &captureSender{}
	llm := &mock.LLM{
		Tokens:        []string{"Start. ", "never sent"},
		Err:           errors.New("upstream blew up"),
		EmitBeforeErr: 1,
	}
	s := newTextSession(sender, llm, &mock.Synthesizer{})

	s.HandleMessage(context.Background(), userTextEnv(t, "hi", nil))
	s.Close()

	envs := sender.all()
	if last := envs[len(envs)-1]; last.Type != protocol.TypeError {
		t.Fatalf("last frame = %s", last.Type)
	}
	if n := len(sender.byType(protocol.TypeDone)); n != 0 {
		t.Fatalf("done sent on failed turn")
	}
	// The sentence cut before the failure still synthesized and shipped.
	if n := len(sender.byType(protocol.TypeTTSChunk)); n != 1 {
		t.Fatalf("pre-failure chunk count = %d", n)
	}
}

func TestSentenceSynthFailureIsNonTerminal(t *testing.T) {
	sender := &captureSender{}
	llm := &mock.LLM{Tokens: []string{"Good. ", "Bad. ", "Fine. "}}
	synth := &mock.Synthesizer{Fail: map[string]error{"Bad.": errors.New("no voice")}}
	s := newTextSession(sender, llm, synth)

	s.HandleMessage(context.Background(), userTextEnv(t, "hi", nil))
	s.Close()

	if n := len(sender.byType(protocol.TypeTTSError)); n != 1 {
		t.Fatalf("tts_error count = %d", n)
	}
	chunks := sender.byType(protocol.TypeTTSChunk)
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d", len(chunks))
	}
	var p protocol.TTSChunk
	_ = protocol.DecodePayload(chunks[1], &p)
	if p.SentenceIndex != 2 {
		t.Fatalf("surviving chunks = %d and %d", 0, p.SentenceIndex)
	}
	envs := sender.all()
	if last := envs[len(envs)-1]; last.Type != protocol.TypeDone {
		t.Fatalf("last frame = %s", last.Type)
	}
}

func TestCtxSourcesEmittedBeforeTokens(t *testing.T) {
	sender := &captureSender{}
	emb := &mock.Embedder{}
	ix, err := retrieval.NewIndex(context.Background(), emb, []retrieval.Chunk{
		{ID: "doc#0", Source: "doc.md", Text: "the warehouse opens at nine"},
		{ID: "doc#1", Source: "doc.md", Text: "returns need a receipt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := New(Deps{
		Sender:   sender,
		LLM:      &mock.LLM{Tokens: []string{"At nine. "}},
		Index:    ix,
		Embedder: emb,
	}, Config{SentenceGap: time.Hour, TopK: 1})

	s.HandleMessage(context.Background(), userTextEnv(t, "when does the warehouse open", nil))
	s.Close()

	envs := sender.all()
	if len(envs) < 2 || envs[0].Type != protocol.TypeCtxSources {
		t.Fatalf("first frame = %s", envs[0].Type)
	}
	var p protocol.CtxSources
	_ = protocol.DecodePayload(envs[0], &p)
	if len(p.Sources) != 1 || p.Sources[0].ID != "doc#0" {
		t.Fatalf("sources = %+v", p.Sources)
	}
	// The rank matches the [ctx:n] references in the prompt, 1-based.
	if p.Sources[0].N != 1 {
		t.Fatalf("source rank = %d", p.Sources[0].N)
	}
}

func TestMemoryCarriesAcrossTurns(t *testing.T) {
	sender := &captureSender{}
	var system string
	llm := &capturePromptLLM{reply: "Noted. "}
	s := New(Deps{Sender: sender, LLM: llm}, Config{SentenceGap: time.Hour})

	s.HandleMessage(context.Background(), userTextEnv(t, "my name is Dana", nil))
	s.Close()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTurn(context.Background(), turnInput{turnID: "turn-2", replyTo: "m2", text: "what is my name"})
	}()
	s.Close()

	system = llm.lastSystem()
	if !containsAll(system, "SESSION MEMORY", "my name is Dana", "Noted.") {
		t.Fatalf("memory missing from prompt:\n%s", system)
	}
}

type capturePromptLLM struct {
	mu     sync.Mutex
	system string
	reply  string
}

func (c *capturePromptLLM) StreamChat(_ context.Context, system, _ string, onToken func(string)) error {
	c.mu.Lock()
	c.system = system
	c.mu.Unlock()
	onToken(c.reply)
	return nil
}

func (c *capturePromptLLM) lastSystem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		found := false
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
