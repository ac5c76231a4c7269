package memory

import (
	"strings"
	"testing"
)

func TestAddEvictsOldest(t *testing.T) {
	m := New(3, 0)
	for _, txt := range []string{"one", "two", "three", "four"} {
		m.Add(RoleUser, txt)
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d", m.Len())
	}
	out := m.Render()
	if strings.Contains(out, "one") {
		t.Fatalf("oldest entry survived eviction: %q", out)
	}
	if !strings.Contains(out, "two") || !strings.Contains(out, "four") {
		t.Fatalf("missing entries: %q", out)
	}
}

func TestAddIgnoresBlankText(t *testing.T) {
	m := New(0, 0)
	m.Add(RoleUser, "   ")
	if m.Len() != 0 {
		t.Fatalf("blank entry stored")
	}
}

func TestRenderEmpty(t *testing.T) {
	if out := New(0, 0).Render(); out != "" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderFormat(t *testing.T) {
	m := New(0, 0)
	m.Add(RoleUser, "hi there")
	m.Add(RoleAssistant, "hello")
	out := m.Render()
	if !strings.HasPrefix(out, "SESSION MEMORY (brief, last 2 turns):") {
		t.Fatalf("bad header: %q", out)
	}
	if !strings.Contains(out, "User: hi there") || !strings.Contains(out, "Assistant: hello") {
		t.Fatalf("bad body: %q", out)
	}
}

func TestRenderClampsByDroppingOldestLines(t *testing.T) {
	m := New(6, 120)
	long := strings.Repeat("x", 80)
	m.Add(RoleUser, long)
	m.Add(RoleAssistant, "keep me")
	out := m.Render()
	if len(out) > 120 {
		t.Fatalf("render exceeded budget: %d", len(out))
	}
	if strings.Contains(out, long) {
		t.Fatalf("oldest line not dropped: %q", out)
	}
	if !strings.Contains(out, "keep me") {
		t.Fatalf("newest line missing: %q", out)
	}
}

func TestReset(t *testing.T) {
	m := New(0, 0)
	m.Add(RoleUser, "hi")
	m.Reset()
	if m.Len() != 0 || m.Render() != "" {
		t.Fatalf("reset did not clear")
	}
}
