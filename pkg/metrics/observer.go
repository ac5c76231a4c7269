// Package metrics records latency-critical events along the session path.
package metrics

import "time"

// Well-known event names emitted by the session orchestrator.
const (
	EventLLMFirstToken = "llm_first_token"
	EventSentenceCut   = "sentence_cut"
	EventTTSFirstAudio = "tts_first_audio"
	EventSTTCommit     = "stt_commit"
	EventSTTFinal      = "stt_final"
	EventTurnDone      = "turn_done"
	EventTurnError     = "turn_error"
)

type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}
