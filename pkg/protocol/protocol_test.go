package protocol

import (
	"strings"
	"testing"

	"github.com/parley-ai/parley/pkg/errorsx"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New(TypeLLMToken, "turn-1", "msg-0", LLMToken{Text: "hi", Seq: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if env.V != Version || env.MsgID == "" || env.T == 0 {
		t.Fatalf("envelope not stamped: %+v", env)
	}

	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeLLMToken || got.TurnID != "turn-1" || got.ReplyTo != "msg-0" {
		t.Fatalf("fields lost: %+v", got)
	}

	var tok LLMToken
	if err := DecodePayload(got, &tok); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if tok.Text != "hi" || tok.Seq != 3 {
		t.Fatalf("payload = %+v", tok)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	cases := map[string]string{
		"not json":      "{{{",
		"wrong version": `{"v":2,"type":"done","msgId":"m","t":1}`,
		"missing type":  `{"v":1,"msgId":"m","t":1}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: accepted", name)
		} else if !errorsx.HasReason(err, errorsx.ReasonProtocolDecode) {
			t.Fatalf("%s: wrong reason: %v", name, err)
		}
	}
}

func TestDecodePayloadMissingData(t *testing.T) {
	env, _ := New(TypeDone, "turn-1", "", nil)
	var s Sentence
	if err := DecodePayload(env, &s); err == nil {
		t.Fatalf("missing payload accepted")
	}
}

func TestUserTextWantTTS(t *testing.T) {
	if !(UserText{}).WantTTS() {
		t.Fatalf("absent tts flag should default true")
	}
	f := false
	if (UserText{TTS: &f}).WantTTS() {
		t.Fatalf("explicit false ignored")
	}
	tr := true
	if !(UserText{TTS: &tr}).WantTTS() {
		t.Fatalf("explicit true ignored")
	}
}

func TestFieldNamesOnWire(t *testing.T) {
	env, _ := New(TypeTTSChunk, "turn-9", "", TTSChunk{SentenceIndex: 2, Mime: "audio/wav", AudioB64: "QUJD"})
	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"turnId":"turn-9"`, `"sentenceIndex":2`, `"audioB64":"QUJD"`, `"msgId"`, `"v":1`} {
		if !strings.Contains(s, want) {
			t.Fatalf("wire frame missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "replyTo") {
		t.Fatalf("empty replyTo serialized: %s", s)
	}
}
