package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("ffmpeg exited 1")
	err := Wrap(base, ReasonSTTTranscode)
	if Reason(err) != ReasonSTTTranscode {
		t.Fatalf("expected stt_transcode, got %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error must unwrap to the original")
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonLLMStream)
	err = Wrap(err, ReasonTTSSynthesize)
	if !HasReason(err, ReasonLLMStream) {
		t.Fatalf("re-wrapping must not overwrite the original reason")
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonSTTCommit)
	err = fmt.Errorf("commit: %w", err)
	if Reason(err) != ReasonSTTCommit {
		t.Fatalf("reason lost through fmt wrapping")
	}
}

func TestNilAndUnknown(t *testing.T) {
	if Wrap(nil, ReasonLLMStream) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("plain errors must report unknown")
	}
}
