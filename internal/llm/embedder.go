package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms/openai"

	"lattice-backend/internal/errors"
)

// Embedder produces vectors for semantic caching and vector search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder uses the provider's embedding endpoint.
type OpenAIEmbedder struct {
	llm *openai.LLM
}

// NewOpenAIEmbedder wraps an openai client.
func NewOpenAIEmbedder(llm *openai.LLM) *OpenAIEmbedder {
	return &OpenAIEmbedder{llm: llm}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, errors.LLM("EMBEDDING_CALL", "embedding request failed").WithCause(err).Build()
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, errors.LLM("EMBEDDING_EMPTY", "embedding response was empty").Build()
	}
	return vectors[0], nil
}

// HashEmbedder is the deterministic dev-mode embedder: token feature
// hashing into a fixed dimension, L2-normalized. Identical texts always
// embed identically, and token overlap yields cosine similarity, which
// is what the semantic cache needs locally.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder of the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
