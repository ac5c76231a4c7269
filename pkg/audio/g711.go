package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// G711SampleRate is the fixed telephony rate of mu-law and A-law streams.
const G711SampleRate = 8000

// DecodeG711 expands a mu-law or A-law payload to 16-bit PCM without an
// external process. Recognized mimes are audio/mulaw, audio/x-mulaw,
// audio/alaw and audio/x-alaw.
func DecodeG711(payload []byte, mime string) ([]byte, error) {
	switch mime {
	case "audio/mulaw", "audio/x-mulaw", "audio/basic":
		return g711.DecodeUlaw(payload), nil
	case "audio/alaw", "audio/x-alaw":
		return g711.DecodeAlaw(payload), nil
	default:
		return nil, fmt.Errorf("audio: no g711 decoder for mime %q", mime)
	}
}

// IsG711 reports whether mime names a stream DecodeG711 can handle.
func IsG711(mime string) bool {
	switch mime {
	case "audio/mulaw", "audio/x-mulaw", "audio/basic", "audio/alaw", "audio/x-alaw":
		return true
	}
	return false
}
