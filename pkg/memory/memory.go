// Package memory keeps a short rolling transcript of recent turns for
// prompt grounding. It is deliberately small: old entries fall off a FIFO
// and the rendered block is clamped so it can never crowd out the persona.
package memory

import (
	"fmt"
	"strings"
	"sync"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Entry struct {
	Role Role
	Text string
}

const (
	DefaultCapacity  = 6
	DefaultRenderMax = 1200
)

type Memory struct {
	mu        sync.Mutex
	entries   []Entry
	capacity  int
	renderMax int
}

func New(capacity, renderMax int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if renderMax <= 0 {
		renderMax = DefaultRenderMax
	}
	return &Memory{capacity: capacity, renderMax: renderMax}
}

// Add appends an entry, evicting the oldest once capacity is reached.
// Blank text is ignored.
func (m *Memory) Add(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Role: role, Text: text})
	if len(m.entries) > m.capacity {
		m.entries = m.entries[len(m.entries)-m.capacity:]
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Render produces the prompt block, newest entries last. When the block
// would exceed the render budget, whole oldest lines are dropped first.
// It returns the empty string when no entries exist.
func (m *Memory) Render() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return ""
	}

	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		label := "User"
		if e.Role == RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, e.Text))
	}

	header := fmt.Sprintf("SESSION MEMORY (brief, last %d turns):", len(m.entries))
	for start := 0; start < len(lines); start++ {
		body := strings.Join(lines[start:], "\n")
		block := header + "\n" + body
		if len(block) <= m.renderMax {
			return block
		}
	}
	return header
}
