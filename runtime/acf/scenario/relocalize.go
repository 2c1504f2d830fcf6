package scenario

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/ruche-ai/fabric/runtime/acf/model"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

// Relocalize maps an invalid or out-of-sync session step to the
// best-matching reachable step.
//
// The candidate set is the union of steps marked reachable-from-anywhere
// and steps reachable within MaxRelocalizationHops from the last valid
// history step (the entry step and its neighbors when no history survives),
// capped at MaxRelocalizationCandidates. Each candidate is scored by cosine
// similarity between its descriptor embedding and an embedding of the last
// few turns; the best step at or above RelocalizationThreshold wins. When
// none qualifies the scenario exits.
func (n *Navigator) Relocalize(ctx context.Context, in Input, sc *Scenario, sess *session.State, reason string) (Decision, error) {
	candidates := n.relocalizationCandidates(sc, sess)
	if len(candidates) == 0 {
		return Decision{Kind: DecisionExit, Confidence: 1, Reason: reason + ":no_candidates"}, nil
	}

	ctxEmbedding, err := n.turnEmbedding(ctx, in)
	if err != nil {
		return Decision{}, err
	}
	if ctxEmbedding == nil {
		// No embedder configured and no precomputed embedding: recovery is
		// impossible, exit rather than guess.
		return Decision{Kind: DecisionExit, Confidence: 0, Reason: reason + ":no_embedding"}, nil
	}

	bestScore := -1.0
	var best *Step
	for _, cand := range candidates {
		emb, err := n.embed(ctx, cand.Descriptor())
		if err != nil {
			n.logger.Warn(ctx, "candidate embedding failed, skipping", "step", cand.ID, "err", err)
			continue
		}
		score := model.Cosine(ctxEmbedding, emb)
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	if best == nil || bestScore < n.cfg.RelocalizationThreshold {
		return Decision{Kind: DecisionExit, Confidence: 0, Reason: reason + ":below_threshold", MaxScore: maxf(bestScore, 0)}, nil
	}
	return Decision{
		Kind:       DecisionRelocalize,
		TargetStep: best.ID,
		Confidence: bestScore,
		Reason:     reason,
		MaxScore:   bestScore,
	}, nil
}

// relocalizationCandidates builds the bounded candidate set.
func (n *Navigator) relocalizationCandidates(sc *Scenario, sess *session.State) []*Step {
	seen := make(map[string]struct{})
	var out []*Step
	add := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		if st := sc.Step(id); st != nil {
			seen[id] = struct{}{}
			out = append(out, st)
		}
	}

	for i := range sc.Steps {
		if sc.Steps[i].ReachableFromAnywhere {
			add(sc.Steps[i].ID)
		}
	}

	anchor := n.lastValidStep(sc, sess)
	if anchor == "" {
		anchor = sc.EntryStepID
		add(anchor)
	}
	for _, id := range sc.ReachableWithin(anchor, n.cfg.MaxRelocalizationHops) {
		add(id)
	}

	limit := n.cfg.MaxRelocalizationCandidates
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// lastValidStep walks the step history backwards for a step that still
// exists in the scenario version.
func (n *Navigator) lastValidStep(sc *Scenario, sess *session.State) string {
	for i := len(sess.StepHistory) - 1; i >= 0; i-- {
		if sc.Step(sess.StepHistory[i].StepID) != nil {
			return sess.StepHistory[i].StepID
		}
	}
	return ""
}

// turnEmbedding resolves the embedding of the turn context: the
// precomputed input embedding when available, otherwise an embedding of
// the last five turns.
func (n *Navigator) turnEmbedding(ctx context.Context, in Input) ([]float32, error) {
	if in.Embedding != nil {
		return in.Embedding, nil
	}
	turns := in.RecentTurns
	if len(turns) > 5 {
		turns = turns[len(turns)-5:]
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return n.embed(ctx, strings.Join(turns, "\n"))
}

func (n *Navigator) embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := n.embedCache.get(text); ok {
		return cached, nil
	}
	if n.models == nil {
		return nil, model.ErrUnknownModel
	}
	embedder, err := n.models.Embedder(n.cfg.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	emb, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	n.embedCache.put(text, emb)
	return emb, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// embedCache is a small LRU keyed by descriptor text. It keeps
// adjudication and re-localization costs flat across turns of the same
// scenario version.
type embedCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[string]*list.Element
}

type embedEntry struct {
	key string
	vec []float32
}

func newEmbedCache(maxSize int) *embedCache {
	return &embedCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *embedCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*embedEntry).vec, true
}

func (c *embedCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*embedEntry).vec = vec
		return
	}
	c.entries[key] = c.order.PushFront(&embedEntry{key: key, vec: vec})
	for len(c.entries) > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*embedEntry).key)
	}
}
