// Package commitgate serializes transcript commit requests against a
// streaming recognizer. A commit may only be issued once enough audio has
// been sent since the previous acknowledged commit, and at most one commit
// is in flight at a time. Byte and freshness counters reset only when the
// recognizer acknowledges a commit, never on issuance, so a failed send
// can retry on the next trigger without waiting for new audio.
package commitgate

import (
	"sync"
	"time"
)

// PCMBytesPerMs for 16kHz mono 16-bit audio.
const PCMBytesPerMs = 32

const (
	DefaultMinCommit = 200 * time.Millisecond
	minCommitFloor   = 100 * time.Millisecond
)

type Gate struct {
	mu            sync.Mutex
	minCommit     time.Duration
	pendingBytes  int
	freshAudio    bool
	inFlight      bool
	lastCommitAt  time.Time
	commitsIssued int
}

// New builds a gate with the given minimum buffered-audio duration per
// commit. Values below 100ms are raised to the floor; zero means default.
func New(minCommit time.Duration) *Gate {
	if minCommit <= 0 {
		minCommit = DefaultMinCommit
	}
	if minCommit < minCommitFloor {
		minCommit = minCommitFloor
	}
	return &Gate{minCommit: minCommit}
}

// NoteAudio records n bytes of PCM sent to the recognizer since the last
// acknowledged commit.
func (g *Gate) NoteAudio(n int) {
	g.mu.Lock()
	g.pendingBytes += n
	g.freshAudio = true
	g.mu.Unlock()
}

// PendingMs reports the unacknowledged audio duration.
func (g *Gate) PendingMs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingBytes / PCMBytesPerMs
}

// TryBegin attempts to open a commit. It fails while another commit is in
// flight, when no audio arrived since the last acknowledged commit, or
// when less than the minimum audio has accumulated. The pending counters
// survive issuance; only Ack clears them.
func (g *Gate) TryBegin(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight {
		return false
	}
	if !g.freshAudio {
		return false
	}
	if time.Duration(g.pendingBytes/PCMBytesPerMs)*time.Millisecond < g.minCommit {
		return false
	}
	g.inFlight = true
	g.lastCommitAt = now
	g.commitsIssued++
	return true
}

// Ack clears the in-flight mark and resets the byte and freshness
// counters to the recognizer-visible commit point.
func (g *Gate) Ack() {
	g.mu.Lock()
	g.pendingBytes = 0
	g.freshAudio = false
	g.inFlight = false
	g.mu.Unlock()
}

// Fail clears the in-flight mark after a send error. The counters keep
// the audio already buffered, so the next trigger retries immediately.
func (g *Gate) Fail() {
	g.mu.Lock()
	g.inFlight = false
	g.mu.Unlock()
}

func (g *Gate) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *Gate) Commits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commitsIssued
}

// Reset returns the gate to its initial state for a new utterance.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.pendingBytes = 0
	g.freshAudio = false
	g.inFlight = false
	g.lastCommitAt = time.Time{}
	g.mu.Unlock()
}
