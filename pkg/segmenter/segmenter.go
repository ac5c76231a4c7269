// Package segmenter cuts an unbounded delta-text stream into sentences.
//
// Two cut rules compete: a run of terminal punctuation followed by whitespace
// (or end of buffer) yields a semantically complete sentence, and an
// inactivity gap between pushes force-yields whatever has accumulated so a
// stalled generator never leaves a sentence stuck in the buffer.
package segmenter

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// A run of terminators counts as one cut, so "..." and "?!" never split.
var terminatorRe = regexp.MustCompile(`[.!?…]+(\s+|$)`)

const DefaultGap = 380 * time.Millisecond

type Config struct {
	// Gap is the inactivity threshold between consecutive Push calls.
	Gap time.Duration
}

type Segmenter struct {
	mu     sync.Mutex
	gap    time.Duration
	buf    string
	lastAt time.Time
	now    func() time.Time
}

func New(cfg Config) *Segmenter {
	if cfg.Gap <= 0 {
		cfg.Gap = DefaultGap
	}
	return &Segmenter{gap: cfg.Gap, now: time.Now}
}

// Push appends delta to the rolling buffer and returns every sentence the
// two cut rules release, in left-to-right order.
//
// The gap rule fires first: when the time since the previous Push exceeds
// the configured gap and pre-existing buffered text remains, that text is
// force-yielded as its own sentence before delta is appended. The gap is
// measured between consecutive Push calls; an empty delta still advances
// the clock.
func (s *Segmenter) Push(delta string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var gap time.Duration
	if !s.lastAt.IsZero() {
		gap = now.Sub(s.lastAt)
	}
	s.lastAt = now

	var out []string
	if gap > s.gap {
		if held := strings.TrimSpace(s.buf); held != "" {
			out = append(out, held)
		}
		s.buf = ""
	}

	s.buf += delta
	out = append(out, s.cutComplete()...)
	return out
}

// Flush returns the trimmed remainder once and clears the buffer.
// It returns the empty string when nothing remains.
func (s *Segmenter) Flush() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := strings.TrimSpace(s.buf)
	s.buf = ""
	return rest
}

// cutComplete repeatedly slices the buffer at terminator matches.
// Whitespace-only slices are dropped, not yielded.
func (s *Segmenter) cutComplete() []string {
	var out []string
	for {
		loc := terminatorRe.FindStringIndex(s.buf)
		if loc == nil {
			return out
		}
		sentence := strings.TrimSpace(s.buf[:loc[1]])
		s.buf = s.buf[loc[1]:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}
