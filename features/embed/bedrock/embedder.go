// Package bedrock provides a model.Embedder implementation backed by
// Amazon Titan embeddings via the Bedrock runtime API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/ruche-ai/fabric/runtime/acf/model"
)

const defaultModelID = "amazon.titan-embed-text-v2:0"

type (
	// InvokeClient captures the subset of the Bedrock runtime client used
	// by the adapter.
	InvokeClient interface {
		InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	}

	// Options configures the Bedrock embedder.
	Options struct {
		Client InvokeClient
		// Model defaults to the Titan text embedding model.
		Model string
	}

	// Embedder implements model.Embedder on Bedrock Titan embeddings.
	Embedder struct {
		client  InvokeClient
		modelID string
	}

	titanRequest struct {
		InputText string `json:"inputText"`
	}

	titanResponse struct {
		Embedding []float32 `json:"embedding"`
	}
)

// New builds a Bedrock-backed embedder.
func New(opts Options) (*Embedder, error) {
	if opts.Client == nil {
		return nil, errors.New("bedrock client is required")
	}
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = defaultModelID
	}
	return &Embedder{client: opts.Client, modelID: modelID}, nil
}

// Embed implements model.Embedder. Throttling errors map to
// model.ErrRateLimited so callers can back off uniformly.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	body, err := json.Marshal(titanRequest{InputText: text})
	if err != nil {
		return nil, err
	}
	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
			return nil, fmt.Errorf("%w: %s", model.ErrRateLimited, apiErr.ErrorMessage())
		}
		return nil, err
	}
	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("decode titan response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return resp.Embedding, nil
}
