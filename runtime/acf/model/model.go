// Package model defines the capability interfaces the fabric consumes from
// model providers: embedding for scenario scoring and adjudication for
// multi-candidate transition decisions. Concrete providers live under
// features/; the fabric depends only on these interfaces, resolved through
// a model-string router.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

type (
	// Embedder turns text into a dense vector. Implementations must be safe
	// for concurrent use.
	Embedder interface {
		Embed(ctx context.Context, text string) ([]float32, error)
	}

	// AdjudicationRequest carries the ranked candidates and brief context an
	// adjudicator uses to pick a transition.
	AdjudicationRequest struct {
		// CurrentStep names the step the session is on.
		CurrentStep string
		// Candidates are the transition options, best score first.
		Candidates []AdjudicationCandidate
		// RecentTurns is a short history of interlocutor utterances, newest
		// last.
		RecentTurns []string
	}

	// AdjudicationCandidate is one transition option.
	AdjudicationCandidate struct {
		TargetStep    string
		ConditionText string
		Score         float64
	}

	// AdjudicationResult is the adjudicator's pick. Uncertain means the
	// caller falls back to its deterministic tie-break.
	AdjudicationResult struct {
		TargetStep string
		Uncertain  bool
		Rationale  string
	}

	// Adjudicator resolves ambiguous multi-candidate transitions.
	Adjudicator interface {
		Adjudicate(ctx context.Context, req AdjudicationRequest) (AdjudicationResult, error)
	}

	// Router resolves capability implementations by model string. Model
	// strings take the form "provider/model-name"; registration is by
	// provider prefix.
	Router struct {
		mu           sync.RWMutex
		embedders    map[string]Embedder
		adjudicators map[string]Adjudicator
	}
)

var (
	// ErrRateLimited signals a provider rate limit; callers may back off.
	ErrRateLimited = errors.New("model provider rate limited")
	// ErrUnknownModel signals a model string with no registered provider.
	ErrUnknownModel = errors.New("unknown model")
)

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		embedders:    make(map[string]Embedder),
		adjudicators: make(map[string]Adjudicator),
	}
}

// RegisterEmbedder binds an embedder to a provider prefix.
func (r *Router) RegisterEmbedder(provider string, e Embedder) {
	r.mu.Lock()
	r.embedders[provider] = e
	r.mu.Unlock()
}

// RegisterAdjudicator binds an adjudicator to a provider prefix.
func (r *Router) RegisterAdjudicator(provider string, a Adjudicator) {
	r.mu.Lock()
	r.adjudicators[provider] = a
	r.mu.Unlock()
}

// Embedder resolves the embedder for a model string.
func (r *Router) Embedder(model string) (Embedder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.embedders[providerOf(model)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return e, nil
}

// Adjudicator resolves the adjudicator for a model string.
func (r *Router) Adjudicator(model string) (Adjudicator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adjudicators[providerOf(model)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return a, nil
}

func providerOf(model string) string {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i]
	}
	return model
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// or zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
