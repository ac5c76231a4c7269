// Package retrieval grounds replies in a small local document set. Files
// are split into paragraph chunks at load time, embedded once, and queried
// per turn with brute-force cosine similarity. The corpus is expected to
// stay small enough that a vector store would be overhead.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/parley-ai/parley/pkg/errorsx"
)

// An Embedder maps texts to dense vectors. Implementations live in
// pkg/providers.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Chunk struct {
	ID     string
	Source string
	Text   string
}

type Hit struct {
	Chunk Chunk
	Score float64
}

const (
	DefaultTopK = 6
	// MaxChunkLen clips oversized paragraphs at load time.
	MaxChunkLen = 1200
	// PreviewLen bounds the chunk text echoed to clients.
	PreviewLen = 240
)

// Index is an immutable embedded corpus. Build it once at startup; Search
// is safe for concurrent use.
type Index struct {
	chunks  []Chunk
	vectors [][]float32
}

// NewIndex embeds the given chunks. Chunks whose text is blank are
// dropped.
func NewIndex(ctx context.Context, emb Embedder, chunks []Chunk) (*Index, error) {
	kept := make([]Chunk, 0, len(chunks))
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		kept = append(kept, c)
		texts = append(texts, c.Text)
	}
	if len(kept) == 0 {
		return &Index{}, nil
	}
	vecs, err := emb.Embed(ctx, texts)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("embed corpus: %w", err), errorsx.ReasonEmbedQuery)
	}
	if len(vecs) != len(kept) {
		return nil, errorsx.Wrap(
			fmt.Errorf("embed corpus: got %d vectors for %d chunks", len(vecs), len(kept)),
			errorsx.ReasonEmbedQuery,
		)
	}
	return &Index{chunks: kept, vectors: vecs}, nil
}

func (ix *Index) Len() int { return len(ix.chunks) }

// Search embeds the query and returns up to k chunks by cosine
// similarity, best first. k <= 0 uses the default.
func (ix *Index) Search(ctx context.Context, emb Embedder, query string, k int) ([]Hit, error) {
	if len(ix.chunks) == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultTopK
	}
	qv, err := emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("embed query: %w", err), errorsx.ReasonEmbedQuery)
	}
	if len(qv) != 1 {
		return nil, errorsx.Wrap(fmt.Errorf("embed query: got %d vectors", len(qv)), errorsx.ReasonEmbedQuery)
	}

	hits := make([]Hit, 0, len(ix.chunks))
	for i, c := range ix.chunks {
		hits = append(hits, Hit{Chunk: c, Score: cosine(qv[0], ix.vectors[i])})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Preview returns the chunk text clipped for the wire.
func (c Chunk) Preview() string {
	return clip(strings.TrimSpace(c.Text), PreviewLen)
}

// clip bounds s to max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + 1e-12)
}

// LoadDir reads every .txt and .md file under dir and splits each into
// paragraph chunks on blank lines. Paragraphs longer than MaxChunkLen are
// clipped, not split further.
func LoadDir(dir string) ([]Chunk, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("read corpus dir: %w", err), errorsx.ReasonRetrievalLoad)
	}

	var chunks []Chunk
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("read corpus file %s: %w", e.Name(), err), errorsx.ReasonRetrievalLoad)
		}
		for i, para := range splitParagraphs(string(raw)) {
			para = clip(para, MaxChunkLen)
			chunks = append(chunks, Chunk{
				ID:     fmt.Sprintf("%s#%d", e.Name(), i),
				Source: e.Name(),
				Text:   para,
			})
		}
	}
	return chunks, nil
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
