package library

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/philippgille/chromem-go"
	"google.golang.org/genai"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/config"
)

// HashEmbedding is a deterministic bag-of-words embedding: each token is
// hashed into one of dims signed buckets and the vector is L2-normalized.
// It needs no network and keeps lexical overlap meaningful.
func HashEmbedding(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		for _, tok := range citation.Tokenize(text) {
			h := fnv.New64a()
			_, _ = h.Write([]byte(tok))
			sum := h.Sum64()
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vec[(sum>>1)%uint64(dims)] += sign
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

// GeminiEmbedding embeds text with the Gemini embedding API.
func GeminiEmbedding(ctx context.Context, apiKey, model string) (chromem.EmbeddingFunc, error) {
	if apiKey == "" {
		return nil, errors.New("gemini embeddings need an api key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		result, err := client.Models.EmbedContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, nil)
		if err != nil {
			return nil, fmt.Errorf("genai embed: %w", err)
		}
		if len(result.Embeddings) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		return result.Embeddings[0].Values, nil
	}, nil
}

// EmbeddingFor selects the embedding function named in cfg.
func EmbeddingFor(ctx context.Context, cfg config.LibraryConfig, apiKey string) (chromem.EmbeddingFunc, error) {
	switch cfg.Embedder {
	case "", "hash":
		return HashEmbedding(cfg.Dimensions), nil
	case "gemini":
		return GeminiEmbedding(ctx, apiKey, cfg.EmbeddingModel)
	case "openai":
		if apiKey == "" {
			return nil, errors.New("openai embeddings need an api key")
		}
		model := chromem.EmbeddingModelOpenAI3Small
		if cfg.EmbeddingModel != "" {
			model = chromem.EmbeddingModelOpenAI(cfg.EmbeddingModel)
		}
		return chromem.NewEmbeddingFuncOpenAI(apiKey, model), nil
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
}
