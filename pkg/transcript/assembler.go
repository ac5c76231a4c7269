// Package transcript accumulates partial transcript fragments from a
// streaming recognizer into a single utterance string.
package transcript

import (
	"strings"
	"sync"
)

type Assembler struct {
	mu    sync.Mutex
	parts []string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add records a finalized fragment and returns the accumulated text so far.
// Blank fragments leave the accumulation unchanged.
func (a *Assembler) Add(fragment string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	fragment = strings.TrimSpace(fragment)
	if fragment != "" {
		a.parts = append(a.parts, fragment)
	}
	return strings.Join(a.parts, " ")
}

// Partial returns the accumulated text without consuming it.
func (a *Assembler) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, " ")
}

// Final returns the accumulated utterance and resets the assembler.
func (a *Assembler) Final() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := strings.Join(a.parts, " ")
	a.parts = nil
	return out
}

func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = nil
}
