package schemastore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-refine/pkg/llm"
)

// Embedder turns texts into vectors. Vectors for the same input must be comparable
// with cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the model so cached vectors from different models never mix.
	Name() string
}

var (
	_ Embedder = (*HashEmbedder)(nil)
	_ Embedder = (*LLMEmbedder)(nil)
	_ Embedder = (*CachedEmbedder)(nil)
)

// HashEmbedder is a deterministic bag-of-terms embedder using feature hashing.
// Terms are lowercased, split on non-alphanumerics and singularized, so "Orders",
// "order" and "order_id" share features. It needs no network and suits offline use.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of the given size.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Name() string {
	return fmt.Sprintf("hash-%d", e.dims)
}

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	for _, term := range Terms(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		sum := h.Sum32()
		// The top bit picks the sign so unrelated terms cancel rather than accumulate.
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[int(sum%uint32(e.dims))] += sign
	}
	normalize(v)
	return v
}

var stopTerms = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "by": true, "for": true, "in": true,
	"to": true, "and": true, "or": true, "me": true, "show": true, "with": true, "per": true,
	"each": true, "is": true, "are": true, "what": true, "from": true, "on": true, "at": true,
	"all": true, "give": true, "list": true, "get": true, "this": true, "that": true,
}

// Terms extracts normalized search terms from text.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopTerms[f] {
			continue
		}
		out = append(out, inflection.Singular(f))
	}
	return out
}

func normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
}

// LLMEmbedder embeds through an OpenAI-compatible embeddings endpoint.
type LLMEmbedder struct {
	client llm.EmbeddingClient
	model  string
}

// NewLLMEmbedder wraps an embedding client for the given model.
func NewLLMEmbedder(client llm.EmbeddingClient, model string) *LLMEmbedder {
	return &LLMEmbedder{client: client, model: model}
}

func (e *LLMEmbedder) Name() string {
	return e.model
}

func (e *LLMEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.client.CreateEmbeddings(ctx, texts, e.model)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when the
// vectors differ in length or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
