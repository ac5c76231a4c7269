package transcript

import "testing"

func TestAddAccumulates(t *testing.T) {
	a := NewAssembler()
	if got := a.Add("hello"); got != "hello" {
		t.Fatalf("got %q", got)
	}
	if got := a.Add("world"); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestAddIgnoresBlankFragments(t *testing.T) {
	a := NewAssembler()
	a.Add("hello")
	if got := a.Add("   "); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestFinalResets(t *testing.T) {
	a := NewAssembler()
	a.Add("one")
	a.Add("two")
	if got := a.Final(); got != "one two" {
		t.Fatalf("got %q", got)
	}
	if got := a.Final(); got != "" {
		t.Fatalf("second final got %q", got)
	}
}

func TestPartialDoesNotConsume(t *testing.T) {
	a := NewAssembler()
	a.Add("keep")
	if got := a.Partial(); got != "keep" {
		t.Fatalf("got %q", got)
	}
	if got := a.Partial(); got != "keep" {
		t.Fatalf("got %q", got)
	}
}
