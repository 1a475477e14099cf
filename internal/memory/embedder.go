package memory

import (
	"context"
	"hash/fnv"
	"log"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// DefaultHashDimensions matches the size of all-MiniLM-L6-v2 embeddings.
const DefaultHashDimensions = 384

// NewEmbedder picks the embedder for the memory index. Without a model name it
// falls back to the hash embedder and says so loudly, since retrieval then
// matches shared words only.
func NewEmbedder(model, host string) chromem.EmbeddingFunc {
	if strings.TrimSpace(model) == "" {
		log.Printf("WARN [MemoryService] EMBEDDING_MODEL not set, falling back to the offline hash embedder; retrieval will match shared words only, not meaning. Set EMBEDDING_MODEL (e.g. nomic-embed-text) for semantic recall.")
		return NewHashEmbedder(DefaultHashDimensions)
	}
	log.Printf("[MemoryService] Using Ollama embedding model %q", model)
	return NewOllamaEmbedder(model, host)
}

// NewOllamaEmbedder embeds text with an embedding model served by the same
// inference engine the gateway talks to.
func NewOllamaEmbedder(model, host string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOllama(model, strings.TrimRight(host, "/")+"/api")
}

// NewHashEmbedder returns a deterministic bag-of-words embedder. Each lowercased
// word is hashed into one of dims buckets; the result is normalized to unit
// length so cosine similarity reflects shared vocabulary. Used offline and in tests.
func NewHashEmbedder(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%uint32(dims)]++
		}
		return normalize(vec), nil
	}
}

// normalize converts an embedding to a unit vector. The zero vector gets a
// single unit component so it stays valid for cosine similarity.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
