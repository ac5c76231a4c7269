package protocol

// Inbound message types.
const (
	TypeSTTStart = "stt_start"
	TypeSTTAudio = "stt_audio"
	TypeSTTEnd   = "stt_end"
	TypeUserText = "user_text"
)

// Outbound message types.
const (
	TypeSTTAck     = "stt_ack"
	TypeSTTError   = "stt_error"
	TypeSTTResult  = "stt_result"
	TypeCtxSources = "ctx_sources"
	TypeLLMToken   = "llm_token"
	TypeSentence   = "sentence"
	TypeTTSLevels  = "tts_levels"
	TypeTTSChunk   = "tts_chunk"
	TypeTTSError   = "tts_error"
	TypeDone       = "done"
	TypeError      = "error"
)

// Outbound realtime recognizer events.
const (
	TypeSTTReady    = "stt_ready"
	TypeSTTVadStart = "stt_vad_start"
	TypeSTTVadStop  = "stt_vad_stop"
	TypeSTTPartial  = "stt_partial"
	TypeSTTFinal    = "stt_final"
)

type STTStart struct {
	SessionID string `json:"sessionId"`
	Lang      string `json:"lang,omitempty"`
	Mime      string `json:"mime,omitempty"`
}

type STTAudio struct {
	SessionID string `json:"sessionId"`
	B64       string `json:"b64"`
}

type STTEnd struct {
	SessionID string `json:"sessionId"`
}

type UserText struct {
	Text string `json:"text"`
	// TTS defaults to true when absent.
	TTS   *bool  `json:"tts,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// WantTTS resolves the optional tts flag.
func (u UserText) WantTTS() bool {
	return u.TTS == nil || *u.TTS
}

type STTAck struct {
	SessionID string `json:"sessionId"`
}

type STTError struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type STTResult struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type STTPartial struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type STTEvent struct {
	SessionID string `json:"sessionId"`
}

type Source struct {
	// N is the 1-based rank the client uses for [ctx:n] references.
	N       int     `json:"n"`
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Preview string  `json:"preview"`
	Score   float64 `json:"score"`
}

type CtxSources struct {
	Sources []Source `json:"sources"`
}

type LLMToken struct {
	Text string `json:"text"`
	Seq  int    `json:"seq"`
}

type Sentence struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

type TTSLevels struct {
	SentenceIndex int       `json:"sentenceIndex"`
	WinMs         int       `json:"winMs"`
	Levels        []float64 `json:"levels"`
}

type TTSChunk struct {
	SentenceIndex int    `json:"sentenceIndex"`
	Mime          string `json:"mime"`
	AudioB64      string `json:"audioB64"`
}

type TTSError struct {
	SentenceIndex int    `json:"sentenceIndex"`
	Message       string `json:"message"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
