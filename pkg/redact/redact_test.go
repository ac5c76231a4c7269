package redact

import (
	"strings"
	"testing"
)

func TestTextDisabledPassthrough(t *testing.T) {
	SetEnabled(false)
	in := "reach me at jane@example.com"
	if Text(in) != in {
		t.Fatalf("disabled redaction must not alter text")
	}
}

func TestTextRedactsEmailAndPhone(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	out := Text("mail jane@example.com or call +1 555-123-4567 now")
	if strings.Contains(out, "jane@example.com") {
		t.Fatalf("email not redacted: %q", out)
	}
	if strings.Contains(out, "555-123-4567") {
		t.Fatalf("phone not redacted: %q", out)
	}
}

func TestClip(t *testing.T) {
	SetEnabled(false)
	long := strings.Repeat("a", 200)
	out := Clip(long, 120)
	if len(out) != 123 || !strings.HasSuffix(out, "...") {
		t.Fatalf("unexpected clip result: %d chars", len(out))
	}
	if Clip("short", 120) != "short" {
		t.Fatalf("short text must be untouched")
	}
}
