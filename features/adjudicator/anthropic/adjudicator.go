// Package anthropic provides a model.Adjudicator implementation backed by
// the Claude Messages API. The adjudicator resolves ambiguous scenario
// transitions: it receives the ranked candidates and a short history, and
// answers with the target step or "uncertain".
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ruche-ai/fabric/runtime/acf/model"
)

const (
	defaultMaxTokens = 256

	systemPrompt = "You route a conversation through a flow graph. " +
		"Given the current step, the recent user messages, and candidate transitions, " +
		"answer with exactly one candidate target step id, or the word UNCERTAIN " +
		"when no candidate is clearly right. Answer with the id or UNCERTAIN only."
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used
	// by the adapter. *sdk.MessageService satisfies it.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adjudicator.
	Options struct {
		Client MessagesClient
		// Model is the Claude model identifier; defaults to a small fast
		// model, which is the right cost profile for routing decisions.
		Model string
		// MaxTokens caps the completion; routing answers are one token-ish.
		MaxTokens int64
	}

	// Adjudicator implements model.Adjudicator on Claude Messages.
	Adjudicator struct {
		client    MessagesClient
		model     sdk.Model
		maxTokens int64
	}
)

// New builds an Anthropic-backed adjudicator.
func New(opts Options) (*Adjudicator, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = string(sdk.ModelClaude3_5HaikuLatest)
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Adjudicator{
		client:    opts.Client,
		model:     sdk.Model(modelID),
		maxTokens: maxTokens,
	}, nil
}

// NewFromAPIKey constructs an adjudicator using the default HTTP client.
func NewFromAPIKey(apiKey, modelID string) (*Adjudicator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Messages, Model: modelID})
}

// Adjudicate implements model.Adjudicator.
func (a *Adjudicator) Adjudicate(ctx context.Context, req model.AdjudicationRequest) (model.AdjudicationResult, error) {
	if len(req.Candidates) == 0 {
		return model.AdjudicationResult{Uncertain: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current step: %s\n\nCandidates:\n", req.CurrentStep)
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- %s: %s (score %.2f)\n", c.TargetStep, c.ConditionText, c.Score)
	}
	if len(req.RecentTurns) > 0 {
		b.WriteString("\nRecent user messages, newest last:\n")
		for _, t := range req.RecentTurns {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	msg, err := a.client.New(ctx, sdk.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(b.String())),
		},
	})
	if err != nil {
		return model.AdjudicationResult{}, err
	}

	answer := strings.TrimSpace(firstText(msg))
	if answer == "" || strings.EqualFold(answer, "UNCERTAIN") {
		return model.AdjudicationResult{Uncertain: true}, nil
	}
	for _, c := range req.Candidates {
		if strings.EqualFold(answer, c.TargetStep) {
			return model.AdjudicationResult{TargetStep: c.TargetStep, Rationale: answer}, nil
		}
	}
	// A reply that names no candidate counts as uncertainty, not an error.
	return model.AdjudicationResult{Uncertain: true, Rationale: answer}, nil
}

func firstText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}
