// Package openai provides a model.Embedder implementation backed by the
// OpenAI Embeddings API using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ruche-ai/fabric/runtime/acf/model"
)

type (
	// EmbeddingsClient captures the subset of the openai-go client used by
	// the adapter. *openai.EmbeddingService satisfies it, so callers can
	// pass either a real client or a mock in tests.
	EmbeddingsClient interface {
		New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
	}

	// Options configures the OpenAI embedder.
	Options struct {
		Client EmbeddingsClient
		// Model is the embedding model identifier; defaults to
		// text-embedding-3-small.
		Model string
	}

	// Embedder implements model.Embedder on the OpenAI Embeddings API.
	Embedder struct {
		client EmbeddingsClient
		model  openai.EmbeddingModel
	}
)

// New builds an OpenAI-backed embedder.
func New(opts Options) (*Embedder, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &Embedder{client: opts.Client, model: openai.EmbeddingModel(modelID)}, nil
}

// NewFromAPIKey constructs an embedder using the default HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Embedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Embeddings, Model: modelID})
}

// Embed implements model.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}
