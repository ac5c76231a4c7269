package session

import (
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/retrieval"
)

const defaultPersona = "You are a helpful, concise voice assistant."

// Spoken replies read badly with markdown or long enumerations, so the
// rails stay constant regardless of persona.
const promptRails = "Answer briefly and conversationally, in plain sentences suitable " +
	"for being read aloud. Do not use markdown, headings or bullet lists. " +
	"When context passages are provided, prefer them over your own knowledge " +
	"and do not invent citations."

// buildSystemPrompt layers persona, rails, rolling session memory and the
// retrieved context passages into one system message.
func (s *Session) buildSystemPrompt(hits []retrieval.Hit) string {
	var b strings.Builder
	persona := strings.TrimSpace(s.cfg.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(promptRails)

	if mem := s.mem.Render(); mem != "" {
		b.WriteString("\n\n")
		b.WriteString(mem)
	}

	if len(hits) > 0 {
		b.WriteString("\n\nCONTEXT PASSAGES:\n")
		for i, h := range hits {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, h.Chunk.Source, strings.TrimSpace(h.Chunk.Text))
		}
	}
	return b.String()
}
