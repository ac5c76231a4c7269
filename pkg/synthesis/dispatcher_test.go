package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

// sleepySynth completes sentences in an adversarial order: the delay for
// each sentence is looked up by text.
type sleepySynth struct {
	delays map[string]time.Duration
	fail   map[string]bool
	mu     sync.Mutex
	calls  int
}

func (s *sleepySynth) Synthesize(_ context.Context, text, _ string) ([]byte, string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	time.Sleep(s.delays[text])
	if s.fail[text] {
		return nil, "", errors.New("engine exploded")
	}
	return audio.EncodeWAVPCM16(make([]byte, 16000*2/10), 16000), "audio/wav", nil
}

func TestEmitOrderUnderAdversarialCompletion(t *testing.T) {
	synth := &sleepySynth{delays: map[string]time.Duration{
		"s0": 60 * time.Millisecond,
		"s1": 5 * time.Millisecond,
		"s2": 30 * time.Millisecond,
		"s3": 1 * time.Millisecond,
	}}

	var got []int
	d := New(synth, 40, func(r Result) { got = append(got, r.Index) })
	for i := 0; i < 4; i++ {
		d.Dispatch(context.Background(), i, fmt.Sprintf("s%d", i), "")
	}
	d.Wait()

	if len(got) != 4 {
		t.Fatalf("emitted %d results", len(got))
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("emit order %v", got)
		}
	}
}

func TestFailedSentenceHoldsItsSlot(t *testing.T) {
	synth := &sleepySynth{
		delays: map[string]time.Duration{"s1": 20 * time.Millisecond},
		fail:   map[string]bool{"s1": true},
	}

	var got []Result
	d := New(synth, 40, func(r Result) { got = append(got, r) })
	d.Dispatch(context.Background(), 0, "s0", "")
	d.Dispatch(context.Background(), 1, "s1", "")
	d.Dispatch(context.Background(), 2, "s2", "")
	d.Wait()

	if len(got) != 3 {
		t.Fatalf("emitted %d results", len(got))
	}
	if got[1].Index != 1 || got[1].Err == nil {
		t.Fatalf("failed slot: index=%d err=%v", got[1].Index, got[1].Err)
	}
	if got[0].Err != nil || got[2].Err != nil {
		t.Fatalf("neighbor slots errored")
	}
}

func TestLevelsComputedForWAV(t *testing.T) {
	synth := &sleepySynth{delays: map[string]time.Duration{}}
	var got []Result
	d := New(synth, 40, func(r Result) { got = append(got, r) })
	d.Dispatch(context.Background(), 0, "hello", "")
	d.Wait()

	if len(got) != 1 {
		t.Fatalf("emitted %d results", len(got))
	}
	if len(got[0].Levels) == 0 {
		t.Fatalf("no levels for wav result")
	}
	for _, l := range got[0].Levels {
		if l < 0 || l > 1 {
			t.Fatalf("level out of range: %f", l)
		}
	}
}
