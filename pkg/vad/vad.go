// Package vad implements an adaptive energy voice activity detector used to
// decide when a caller has finished speaking. The detector tracks a noise
// floor with an exponential moving average and compares smoothed frame RMS
// against a hysteresis threshold derived from it. Sustained sub-threshold
// audio arms a grace countdown; the end-of-turn fires when the countdown
// expires without new voice, and the caller holds the final commit for the
// pre-roll window.
//
// Step is a pure function over an explicit State so the arming and trigger
// timelines can be driven deterministically in tests.
package vad

import (
	"math"
	"time"
)

type Config struct {
	// SilenceMs is the accumulated trailing silence that arms a stop.
	SilenceMs float64
	// MinMs is the minimum session age before silence starts accruing.
	MinMs float64
	// HardMaxMs of session age force-ends a turn regardless of silence.
	HardMaxMs float64
	// NoiseWarmupMs is the initial window with an accelerated noise EMA.
	NoiseWarmupMs float64
	// GraceMs is the armed countdown between the silence trigger and the
	// end-of-turn; any voiced frame inside it disarms.
	GraceMs float64
	// PrerollMs the caller waits after the end-of-turn before the final
	// commit, so trailing audio reaches the recognizer.
	PrerollMs float64
	// DTClampMs caps the per-frame time delta against scheduler stalls.
	DTClampMs float64

	NoiseAlpha       float64
	NoiseAlphaWarmup float64
	RMSAlpha         float64
	HystMult         float64
	BaseThresh       float64
	VoiceHyst        float64
	ZCRGate          float64

	MinConsecSilFrames int
	MinVoiceFrames     int
}

func DefaultConfig() Config {
	return Config{
		SilenceMs:          1600,
		MinMs:              1000,
		HardMaxMs:          45000,
		NoiseWarmupMs:      300,
		GraceMs:            300,
		PrerollMs:          400,
		DTClampMs:          100,
		NoiseAlpha:         0.05,
		NoiseAlphaWarmup:   0.2,
		RMSAlpha:           0.2,
		HystMult:           3.2,
		BaseThresh:         0.012,
		VoiceHyst:          1.05,
		ZCRGate:            0.2,
		MinConsecSilFrames: 6,
		MinVoiceFrames:     4,
	}
}

// State carries the detector across frames. The zero value is not ready;
// use NewState.
type State struct {
	NoiseFloor float64
	SmoothRMS  float64

	// HasSpeech latches once enough voiced frames arrived; it clears on
	// the end-of-turn so each speech segment triggers at most once.
	HasSpeech     bool
	VoiceFrames   int
	SilAccrualMs  float64
	SilenceFrames int
	// ElapsedMs is the session age, accrued from the first frame.
	ElapsedMs float64
	// PendingStopAt is the armed stop deadline; zero while disarmed.
	PendingStopAt time.Time

	LastFrameAt time.Time
}

func NewState() State {
	return State{NoiseFloor: 0.01}
}

// Features of a single audio frame.
type Features struct {
	// RMS is the frame energy normalized to [0,1].
	RMS float64
	// ZCR is the zero-crossing rate in [0,1]; high values suggest
	// fricatives rather than true silence.
	ZCR float64
}

// FeaturesPCM16 computes frame features from little-endian 16-bit PCM.
func FeaturesPCM16(pcm []byte) Features {
	n := len(pcm) / 2
	if n == 0 {
		return Features{}
	}
	var sum float64
	var crossings int
	var prev int16
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s) / 32768.0
		sum += v * v
		if i > 0 && ((s >= 0) != (prev >= 0)) {
			crossings++
		}
		prev = s
	}
	f := Features{RMS: math.Sqrt(sum / float64(n))}
	if n > 1 {
		f.ZCR = float64(crossings) / float64(n-1)
	}
	return f
}

// Decision is the outcome of one Step.
type Decision struct {
	// Voiced reports whether this frame was classified as speech.
	Voiced bool
	// SpeechStart is set on the frame that opens a speech segment.
	SpeechStart bool
	// Arming reports the grace countdown is running toward a stop.
	Arming bool
	// EndOfTurn is set exactly once per speech segment.
	EndOfTurn bool
	// Threshold is the effective RMS threshold used for this frame.
	Threshold float64
}

// Step advances the detector by one frame. now stamps the frame; the delta
// from the previous frame is clamped to cfg.DTClampMs.
func Step(cfg Config, st State, f Features, now time.Time) (State, Decision) {
	var dt float64
	if !st.LastFrameAt.IsZero() {
		dt = float64(now.Sub(st.LastFrameAt)) / float64(time.Millisecond)
		if dt < 0 {
			dt = 0
		}
		if dt > cfg.DTClampMs {
			dt = cfg.DTClampMs
		}
	}
	st.LastFrameAt = now
	st.ElapsedMs += dt

	st.SmoothRMS = st.SmoothRMS*(1-cfg.RMSAlpha) + f.RMS*cfg.RMSAlpha

	threshold := st.NoiseFloor * cfg.HystMult
	if threshold < cfg.BaseThresh {
		threshold = cfg.BaseThresh
	}
	voiced := st.SmoothRMS > threshold*cfg.VoiceHyst

	// The noise floor only learns from frames we did not call speech,
	// faster during warmup so the first threshold is sane.
	if !voiced {
		alpha := cfg.NoiseAlpha
		if st.ElapsedMs < cfg.NoiseWarmupMs {
			alpha = cfg.NoiseAlphaWarmup
		}
		st.NoiseFloor = st.NoiseFloor*(1-alpha) + f.RMS*alpha
	}

	d := Decision{Voiced: voiced, Threshold: threshold}

	if voiced {
		st.VoiceFrames++
		st.SilenceFrames = 0
		st.SilAccrualMs = 0
		// Voice inside the grace countdown disarms the stop.
		st.PendingStopAt = time.Time{}
		if !st.HasSpeech && st.VoiceFrames >= cfg.MinVoiceFrames {
			st.HasSpeech = true
			d.SpeechStart = true
		}
	} else if st.HasSpeech && st.ElapsedMs > cfg.MinMs {
		// Silence only counts once the session is old enough and real
		// speech happened.
		st.SilenceFrames++
		accrual := dt
		if f.ZCR > cfg.ZCRGate {
			// High-ZCR frames may be unvoiced consonants.
			accrual /= 2
		}
		st.SilAccrualMs += accrual
	}

	longSilence := st.SilAccrualMs >= cfg.SilenceMs && st.SilenceFrames >= cfg.MinConsecSilFrames
	hardMax := st.HasSpeech && st.ElapsedMs >= cfg.HardMaxMs

	end := func() {
		d.EndOfTurn = true
		d.Arming = false
		st.HasSpeech = false
		st.VoiceFrames = 0
		st.SilAccrualMs = 0
		st.SilenceFrames = 0
		st.PendingStopAt = time.Time{}
	}

	switch {
	case hardMax:
		// The hard cap skips the grace countdown.
		end()
	case longSilence:
		d.Arming = true
		if st.PendingStopAt.IsZero() {
			st.PendingStopAt = now.Add(time.Duration(cfg.GraceMs) * time.Millisecond)
		}
		if !now.Before(st.PendingStopAt) {
			end()
		}
	}

	return st, d
}

// Detector is a convenience wrapper binding a Config to evolving State.
type Detector struct {
	cfg Config
	st  State
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, st: NewState()}
}

func (dt *Detector) Step(f Features, now time.Time) Decision {
	var d Decision
	dt.st, d = Step(dt.cfg, dt.st, f, now)
	return d
}

func (dt *Detector) Reset() {
	dt.st = NewState()
}
