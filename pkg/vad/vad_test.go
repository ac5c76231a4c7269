package vad

import (
	"math"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceMs = 100
	cfg.MinMs = 100
	cfg.GraceMs = 0
	cfg.MinConsecSilFrames = 2
	cfg.MinVoiceFrames = 2
	return cfg
}

// drive feeds frames at a fixed 20ms cadence and returns the index of the
// first frame producing the wanted decision, or -1.
func drive(cfg Config, st *State, start time.Time, frames []Features, want func(Decision) bool) (int, time.Time) {
	now := start
	for i, f := range frames {
		var d Decision
		*st, d = Step(cfg, *st, f, now)
		if want(d) {
			return i, now
		}
		now = now.Add(20 * time.Millisecond)
	}
	return -1, now
}

func repeat(f Features, n int) []Features {
	out := make([]Features, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func TestSpeechStartNeedsMinVoiceFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MinVoiceFrames = 4
	st := NewState()
	loud := Features{RMS: 0.5}

	idx, _ := drive(cfg, &st, time.Unix(0, 0), repeat(loud, 10), func(d Decision) bool { return d.SpeechStart })
	if idx != 3 {
		t.Fatalf("speech start at frame %d, want 3", idx)
	}
	if !st.HasSpeech {
		t.Fatalf("no speech latched after start")
	}
}

func TestEndOfTurnAfterSustainedSilence(t *testing.T) {
	cfg := testConfig()
	st := NewState()
	start := time.Unix(0, 0)

	_, now := drive(cfg, &st, start, repeat(Features{RMS: 0.5}, 10), func(Decision) bool { return false })
	idx, _ := drive(cfg, &st, now, repeat(Features{}, 60), func(d Decision) bool { return d.EndOfTurn })
	if idx < 0 {
		t.Fatalf("no end of turn after sustained silence")
	}
	if st.HasSpeech {
		t.Fatalf("speech still latched after end of turn")
	}

	// A second silence run must not produce another trigger.
	idx, _ = drive(cfg, &st, now.Add(2*time.Second), repeat(Features{}, 30), func(d Decision) bool { return d.EndOfTurn })
	if idx >= 0 {
		t.Fatalf("duplicate end of turn at frame %d", idx)
	}
}

func TestNoAccrualBeforeMinSessionAge(t *testing.T) {
	cfg := testConfig()
	cfg.MinMs = 1e9
	st := NewState()

	_, now := drive(cfg, &st, time.Unix(0, 0), repeat(Features{RMS: 0.5}, 10), func(Decision) bool { return false })
	idx, _ := drive(cfg, &st, now, repeat(Features{}, 200), func(d Decision) bool { return d.EndOfTurn })
	if idx >= 0 {
		t.Fatalf("end of turn fired before minimum session age, frame %d", idx)
	}
}

func TestMinMsIsSessionAgeNotSpeechDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MinMs = 200
	st := NewState()
	start := time.Unix(0, 0)

	// Quiet warm-up ages the session past MinMs before speech begins.
	_, now := drive(cfg, &st, start, repeat(Features{}, 12), func(Decision) bool { return false })
	// A burst far shorter than MinMs.
	_, now = drive(cfg, &st, now, repeat(Features{RMS: 0.5}, 3), func(Decision) bool { return false })
	idx, _ := drive(cfg, &st, now, repeat(Features{}, 80), func(d Decision) bool { return d.EndOfTurn })
	if idx < 0 {
		t.Fatalf("short speech in an old session never ended the turn")
	}
}

func TestZCRGateSlowsSilenceAccrual(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceMs = 200

	run := func(zcr float64) int {
		st := NewState()
		_, now := drive(cfg, &st, time.Unix(0, 0), repeat(Features{RMS: 0.5}, 10), func(Decision) bool { return false })
		idx, _ := drive(cfg, &st, now, repeat(Features{ZCR: zcr}, 120), func(d Decision) bool { return d.EndOfTurn })
		return idx
	}

	plain := run(0)
	gated := run(0.5)
	if plain < 0 || gated < 0 {
		t.Fatalf("missing trigger: plain=%d gated=%d", plain, gated)
	}
	if gated <= plain {
		t.Fatalf("high-ZCR silence should accrue slower: plain=%d gated=%d", plain, gated)
	}
}

func TestHardMaxForcesEndOnSessionAge(t *testing.T) {
	cfg := testConfig()
	cfg.HardMaxMs = 200
	st := NewState()

	// Continuous voice: only the session-age cap can end this.
	idx, _ := drive(cfg, &st, time.Unix(0, 0), repeat(Features{RMS: 0.5}, 60), func(d Decision) bool { return d.EndOfTurn })
	if idx < 0 {
		t.Fatalf("hard max never triggered")
	}
	if idx != 10 {
		t.Fatalf("hard max at frame %d, want 10 (200ms of session age)", idx)
	}
	if st.HasSpeech {
		t.Fatalf("speech still latched after forced end")
	}
}

func TestGraceCountdownDelaysStop(t *testing.T) {
	cfg := testConfig()
	cfg.GraceMs = 100
	st := NewState()

	_, now := drive(cfg, &st, time.Unix(0, 0), repeat(Features{RMS: 0.5}, 10), func(Decision) bool { return false })
	armIdx, armAt := drive(cfg, &st, now, repeat(Features{}, 80), func(d Decision) bool { return d.Arming })
	if armIdx < 0 {
		t.Fatalf("silence never armed a stop")
	}
	endIdx, _ := drive(cfg, &st, armAt.Add(20*time.Millisecond), repeat(Features{}, 80), func(d Decision) bool { return d.EndOfTurn })
	if endIdx < 0 {
		t.Fatalf("armed stop never fired")
	}
	// 100ms of grace is five 20ms frames past the arming frame.
	if got := endIdx + 1; got != 5 {
		t.Fatalf("stop fired %d frames after arming, want 5", got)
	}
}

func TestVoiceDuringGraceDisarms(t *testing.T) {
	cfg := testConfig()
	cfg.GraceMs = 1e9
	st := NewState()

	_, now := drive(cfg, &st, time.Unix(0, 0), repeat(Features{RMS: 0.5}, 10), func(Decision) bool { return false })
	armIdx, armAt := drive(cfg, &st, now, repeat(Features{}, 80), func(d Decision) bool { return d.Arming })
	if armIdx < 0 {
		t.Fatalf("silence never armed a stop")
	}
	// Renewed voice clears the deadline and the accrued silence.
	_, _ = drive(cfg, &st, armAt.Add(20*time.Millisecond), repeat(Features{RMS: 0.5}, 5), func(Decision) bool { return false })
	if !st.PendingStopAt.IsZero() {
		t.Fatalf("stop deadline survived renewed voice")
	}
	if st.SilAccrualMs != 0 {
		t.Fatalf("silence accrual survived renewed voice: %f", st.SilAccrualMs)
	}
}

func TestFeaturesPCM16(t *testing.T) {
	if f := FeaturesPCM16(nil); f.RMS != 0 || f.ZCR != 0 {
		t.Fatalf("empty frame features %+v", f)
	}

	// Alternating full-scale square wave: RMS near 1, ZCR near 1.
	pcm := make([]byte, 0, 64)
	for i := 0; i < 16; i++ {
		var s int16 = 32767
		if i%2 == 1 {
			s = -32768
		}
		pcm = append(pcm, byte(uint16(s)), byte(uint16(s)>>8))
	}
	f := FeaturesPCM16(pcm)
	if math.Abs(f.RMS-1.0) > 0.01 {
		t.Fatalf("rms = %f", f.RMS)
	}
	if f.ZCR != 1.0 {
		t.Fatalf("zcr = %f", f.ZCR)
	}

	if f := FeaturesPCM16(make([]byte, 64)); f.RMS != 0 || f.ZCR != 0 {
		t.Fatalf("silent frame features %+v", f)
	}
}
