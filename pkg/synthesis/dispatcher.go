// Package synthesis fans sentences out to a text-to-speech engine and
// re-serializes the results. Sentences synthesize concurrently, but the
// emit callback always observes index order: a finished sentence waits in
// a reorder buffer until every lower index has been emitted.
package synthesis

import (
	"context"
	"sync"

	"github.com/parley-ai/parley/pkg/audio"
)

// A Synthesizer renders one sentence to audio. mime describes the
// returned container.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (data []byte, mime string, err error)
}

// Result of one sentence. Err is set instead of Audio when synthesis
// failed; the slot still occupies its position so later sentences are not
// reordered around it.
type Result struct {
	Index  int
	Text   string
	Audio  []byte
	Mime   string
	Levels []float64
	Err    error
}

type Dispatcher struct {
	synth Synthesizer
	emit  func(Result)
	winMs int

	mu      sync.Mutex
	pending map[int]Result
	next    int
	wg      sync.WaitGroup
}

// New builds a dispatcher for one turn. emit is called from worker
// goroutines but never concurrently and never out of index order.
func New(synth Synthesizer, levelWindowMs int, emit func(Result)) *Dispatcher {
	if levelWindowMs <= 0 {
		levelWindowMs = audio.DefaultLevelWindowMs
	}
	return &Dispatcher{
		synth:   synth,
		emit:    emit,
		winMs:   levelWindowMs,
		pending: make(map[int]Result),
	}
}

// Dispatch schedules sentence index for synthesis. Indexes must be
// assigned contiguously from zero; a skipped index would stall emission.
func (d *Dispatcher) Dispatch(ctx context.Context, index int, text, voice string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		r := Result{Index: index, Text: text}
		r.Audio, r.Mime, r.Err = d.synth.Synthesize(ctx, text, voice)
		if r.Err == nil && r.Mime == "audio/wav" {
			// Levels are best effort; a malformed container still ships.
			if lv, err := audio.LevelsFromWAV(r.Audio, d.winMs); err == nil {
				r.Levels = lv
			}
		}
		d.deliver(r)
	}()
}

// Wait blocks until every dispatched sentence has been emitted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver parks the result and drains the buffer head. Emitting under the
// lock is what makes ordering airtight.
func (d *Dispatcher) deliver(r Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[r.Index] = r
	for {
		head, ok := d.pending[d.next]
		if !ok {
			return
		}
		delete(d.pending, d.next)
		d.next++
		d.emit(head)
	}
}
