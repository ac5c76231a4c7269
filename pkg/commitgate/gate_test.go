package commitgate

import (
	"testing"
	"time"
)

func TestMinCommitFloorAndDefault(t *testing.T) {
	g := New(0)
	g.NoteAudio(150 * PCMBytesPerMs)
	if g.TryBegin(time.Now()) {
		t.Fatalf("commit allowed under default minimum")
	}
	g.NoteAudio(60 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("commit refused with 210ms pending")
	}

	g = New(10 * time.Millisecond)
	g.NoteAudio(50 * PCMBytesPerMs)
	if g.TryBegin(time.Now()) {
		t.Fatalf("floor not applied: commit allowed with 50ms pending")
	}
	g.NoteAudio(60 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("commit refused above floor")
	}
}

func TestSingleCommitInFlight(t *testing.T) {
	g := New(100 * time.Millisecond)
	g.NoteAudio(400 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("first commit refused")
	}
	g.NoteAudio(400 * PCMBytesPerMs)
	if g.TryBegin(time.Now()) {
		t.Fatalf("second commit allowed while first in flight")
	}
	g.Ack()
	g.NoteAudio(400 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("commit refused after ack with fresh audio")
	}
	if g.Commits() != 2 {
		t.Fatalf("commits = %d", g.Commits())
	}
}

func TestCountersResetOnlyOnAck(t *testing.T) {
	g := New(100 * time.Millisecond)
	g.NoteAudio(300 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("commit refused")
	}
	// Issuance leaves the pending window intact.
	if g.PendingMs() != 300 {
		t.Fatalf("pending after issuance = %dms, want 300", g.PendingMs())
	}
	g.Ack()
	if g.PendingMs() != 0 {
		t.Fatalf("pending after ack = %dms", g.PendingMs())
	}
	if g.TryBegin(time.Now()) {
		t.Fatalf("commit allowed with no audio since ack")
	}
}

func TestFailAllowsImmediateRetry(t *testing.T) {
	g := New(100 * time.Millisecond)
	g.NoteAudio(200 * PCMBytesPerMs)
	if !g.TryBegin(time.Now()) {
		t.Fatalf("commit refused")
	}
	g.Fail()
	if g.InFlight() {
		t.Fatalf("still in flight after fail")
	}
	// The buffered audio still counts; the retry needs no new frames.
	if !g.TryBegin(time.Now()) {
		t.Fatalf("retry refused without fresh audio")
	}
}

func TestPendingMsAndReset(t *testing.T) {
	g := New(100 * time.Millisecond)
	g.NoteAudio(320)
	if g.PendingMs() != 10 {
		t.Fatalf("pending = %dms", g.PendingMs())
	}
	g.Reset()
	if g.PendingMs() != 0 || g.InFlight() {
		t.Fatalf("reset incomplete")
	}
	if g.TryBegin(time.Now()) {
		t.Fatalf("commit allowed after reset with no audio")
	}
}
