// Package embedder abstracts the embedding provider behind a small
// interface so the vector ingestor can be tested without network access and
// the embedding model stays a startup-time decision.
package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder produces dense vectors for text.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order, from a
	// single provider call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the vector width this embedder produces.
	Dimension() int
	// Model names the underlying embedding model.
	Model() string
}

// EmbeddingClient is the slice of the OpenAI client we use.
// *openai.Client satisfies it.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Config configures the OpenAI embedder.
type Config struct {
	// Model is the embedding model name. Default: text-embedding-3-small.
	Model string
	// Dimension of the produced vectors. Default: 1536.
	Dimension int
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = string(openai.SmallEmbedding3)
	}
	if c.Dimension <= 0 {
		c.Dimension = 1536
	}
}

// OpenAI is an Embedder backed by the OpenAI embeddings API.
type OpenAI struct {
	client EmbeddingClient
	cfg    Config
}

// NewOpenAI wraps an embeddings client.
func NewOpenAI(client EmbeddingClient, cfg Config) *OpenAI {
	cfg.defaults()
	return &OpenAI{client: client, cfg: cfg}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.cfg.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: provider call: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedder: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedder: vector index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (o *OpenAI) Dimension() int { return o.cfg.Dimension }
func (o *OpenAI) Model() string  { return o.cfg.Model }
