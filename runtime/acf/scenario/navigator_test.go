package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/model"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

// fakeEmbedder returns fixed vectors per text so scores are controllable.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

// fixedAdjudicator always picks the configured step.
type fixedAdjudicator struct {
	target    string
	uncertain bool
}

func (f *fixedAdjudicator) Adjudicate(context.Context, model.AdjudicationRequest) (model.AdjudicationResult, error) {
	return model.AdjudicationResult{TargetStep: f.target, Uncertain: f.uncertain}, nil
}

func navConfig() config.NavigatorConfig {
	return config.Default().Navigator
}

func returnScenario() *Scenario {
	return &Scenario{
		ID:          "returns",
		Version:     1,
		EntryStepID: "greet",
		Steps: []Step{
			{
				ID: "greet", Name: "Greet", IsEntry: true,
				Transitions: []Transition{
					{ToStepID: "collect", ConditionText: "customer wants to return an item", ConditionEmbedding: []float32{1, 0, 0}},
					{ToStepID: "status", ConditionText: "customer asks about order status", ConditionEmbedding: []float32{0, 1, 0}},
				},
			},
			{
				ID: "collect", Name: "Collect Details", Description: "gather order and item information",
				Transitions: []Transition{
					{ToStepID: "confirm", ConditionText: "details are complete", ConditionEmbedding: []float32{1, 0, 0}},
				},
			},
			{ID: "status", Name: "Order Status"},
			{
				ID: "confirm", Name: "Confirm", Description: "confirm the return request",
				ReachableFromAnywhere: true,
				Transitions: []Transition{
					{ToStepID: "done", ConditionText: "customer confirms", ConditionEmbedding: []float32{1, 0, 0}},
				},
			},
			{ID: "done", Name: "Done", IsTerminal: true},
		},
	}
}

func sessionOn(step string) *session.State {
	return &session.State{
		ActiveScenarioID:      "returns",
		ActiveScenarioVersion: 1,
		ActiveStepID:          step,
		Status:                session.StatusActive,
	}
}

func TestNavigateSingleCandidateTransitions(t *testing.T) {
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("collect")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionTransition, d.Kind)
	assert.Equal(t, "confirm", d.TargetStep)
	assert.GreaterOrEqual(t, d.Confidence, navConfig().TransitionThreshold)
}

func TestNavigateNoCandidateContinues(t *testing.T) {
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("collect")

	// Orthogonal embedding scores zero: below threshold, no candidates. One
	// low-score turn is not enough to arm re-localization.
	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{0, 1, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
	assert.True(t, d.LowScore)
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
}

func TestNavigateTerminalWithoutTransitionsExits(t *testing.T) {
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("done")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionExit, d.Kind)
}

func TestNavigateNonTerminalWithoutTransitionsContinues(t *testing.T) {
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("status")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
}

func TestNavigateAmbiguousWithinMarginContinues(t *testing.T) {
	sc := returnScenario()
	// Two candidates scoring nearly the same.
	sc.Steps[0].Transitions[0].ConditionEmbedding = []float32{1, 0.1, 0}
	sc.Steps[0].Transitions[1].ConditionEmbedding = []float32{1, 0.2, 0}
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("greet")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, sc, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
	assert.Equal(t, "ambiguous", d.Reason)
}

func TestNavigateEqualScoresStayAmbiguous(t *testing.T) {
	sc := returnScenario()
	sc.Steps[0].Transitions[0].ConditionEmbedding = []float32{1, 0, 0}
	sc.Steps[0].Transitions[1].ConditionEmbedding = []float32{1, 0, 0}
	sc.Steps[0].Transitions[1].Priority = 10
	n := NewNavigator(navConfig(), nil, nil, nil)
	sess := sessionOn("greet")

	// Priority orders the candidates, but the score gap is zero and the
	// margin gate keeps the session on its step.
	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, sc, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
	assert.Equal(t, "ambiguous", d.Reason)
}

func TestNavigateAdjudicatorPicksCandidate(t *testing.T) {
	sc := returnScenario()
	sc.Steps[0].Transitions[0].ConditionEmbedding = []float32{1, 0.1, 0}
	sc.Steps[0].Transitions[1].ConditionEmbedding = []float32{1, 0.2, 0}

	cfg := navConfig()
	cfg.AdjudicationEnabled = true
	cfg.AdjudicationModel = "fixed/routing"
	models := model.NewRouter()
	models.RegisterAdjudicator("fixed", &fixedAdjudicator{target: "status"})

	n := NewNavigator(cfg, models, nil, nil)
	sess := sessionOn("greet")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, sc, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionTransition, d.Kind)
	assert.Equal(t, "status", d.TargetStep)
	assert.Equal(t, "adjudicated", d.Reason)
}

func TestNavigateAdjudicatorUncertainFallsBack(t *testing.T) {
	sc := returnScenario()
	sc.Steps[0].Transitions[0].ConditionEmbedding = []float32{1, 0.1, 0}
	sc.Steps[0].Transitions[1].ConditionEmbedding = []float32{1, 0.2, 0}

	cfg := navConfig()
	cfg.AdjudicationEnabled = true
	cfg.AdjudicationModel = "fixed/routing"
	models := model.NewRouter()
	models.RegisterAdjudicator("fixed", &fixedAdjudicator{uncertain: true})

	n := NewNavigator(cfg, models, nil, nil)
	sess := sessionOn("greet")

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, sc, sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
	assert.Equal(t, "ambiguous", d.Reason)
}

func TestLoopGuardSuppressesTransition(t *testing.T) {
	cfg := navConfig()
	n := NewNavigator(cfg, nil, nil, nil)
	sess := sessionOn("collect")
	at := time.Now().UTC()
	for i := 0; i < cfg.MaxLoopIterations; i++ {
		sess.StepHistory = append(sess.StepHistory, session.StepVisit{StepID: "confirm", EnteredAt: at})
	}

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
	assert.Equal(t, "loop_suppressed", d.Reason)
}

func TestLoopGuardWindowBounds(t *testing.T) {
	cfg := navConfig()
	n := NewNavigator(cfg, nil, nil, nil)
	sess := sessionOn("collect")
	at := time.Now().UTC()
	// Visits outside the detection window do not count.
	for i := 0; i < cfg.MaxLoopIterations; i++ {
		sess.StepHistory = append(sess.StepHistory, session.StepVisit{StepID: "confirm", EnteredAt: at})
	}
	for i := 0; i < cfg.LoopDetectionWindow; i++ {
		sess.StepHistory = append(sess.StepHistory, session.StepVisit{StepID: "greet", EnteredAt: at})
	}

	d, err := n.Navigate(context.Background(), Input{Embedding: []float32{1, 0, 0}}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionTransition, d.Kind)
}

func TestMissingStepRelocalizes(t *testing.T) {
	cfg := navConfig()
	models := model.NewRouter()
	models.RegisterEmbedder("fake", &fakeEmbedder{vectors: map[string][]float32{
		"I want to confirm my return": {1, 0, 0},
		"Confirm | confirm the return request | customer confirms": {1, 0, 0},
	}})
	cfg.EmbeddingModel = "fake/unit"
	n := NewNavigator(cfg, models, nil, nil)

	sess := sessionOn("vanished")
	sess.StepHistory = []session.StepVisit{{StepID: "collect", EnteredAt: time.Now().UTC()}}

	d, err := n.Navigate(context.Background(), Input{
		RecentTurns: []string{"I want to confirm my return"},
	}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionRelocalize, d.Kind)
	assert.Equal(t, "confirm", d.TargetStep)
	assert.GreaterOrEqual(t, d.Confidence, cfg.RelocalizationThreshold)
	assert.Equal(t, "relocalize:step_missing", d.Reason)
}

func TestRelocalizeBelowThresholdExits(t *testing.T) {
	cfg := navConfig()
	models := model.NewRouter()
	// All candidate descriptors score orthogonal to the turn context.
	models.RegisterEmbedder("fake", &fakeEmbedder{vectors: map[string][]float32{
		"unrelated chatter": {0, 1, 0},
	}})
	cfg.EmbeddingModel = "fake/unit"
	n := NewNavigator(cfg, models, nil, nil)

	sess := sessionOn("vanished")
	d, err := n.Navigate(context.Background(), Input{
		RecentTurns: []string{"unrelated chatter"},
	}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionExit, d.Kind)
}

func TestWrongStepSignalRelocalizes(t *testing.T) {
	cfg := navConfig()
	models := model.NewRouter()
	models.RegisterEmbedder("fake", &fakeEmbedder{vectors: map[string][]float32{
		"confirm it": {1, 0, 0},
		"Confirm | confirm the return request | customer confirms": {1, 0, 0},
	}})
	cfg.EmbeddingModel = "fake/unit"
	n := NewNavigator(cfg, models, nil, nil)
	sess := sessionOn("greet")

	d, err := n.Navigate(context.Background(), Input{
		Signal:      SignalWrongStep,
		RecentTurns: []string{"confirm it"},
	}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionRelocalize, d.Kind)
	assert.Equal(t, "relocalize:wrong_step", d.Reason)
}

func TestExitSignalHonoredOnlyWithConfidence(t *testing.T) {
	n := NewNavigator(navConfig(), nil, nil, nil)

	sess := sessionOn("collect")
	d, err := n.Navigate(context.Background(), Input{
		Embedding:        []float32{0, 1, 0},
		Signal:           SignalExit,
		SignalConfidence: 0.95,
	}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionExit, d.Kind)
	assert.Equal(t, "exit_signal", d.Reason)

	sess = sessionOn("collect")
	d, err = n.Navigate(context.Background(), Input{
		Embedding:        []float32{0, 1, 0},
		Signal:           SignalExit,
		SignalConfidence: 0.2,
	}, returnScenario(), sess)
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, d.Kind)
}

func TestApplyDecision(t *testing.T) {
	sc := returnScenario()
	at := time.Now().UTC()

	sess := sessionOn("greet")
	ApplyDecision(sess, sc, Decision{Kind: DecisionTransition, TargetStep: "collect", Confidence: 0.9, Reason: "transition"}, at)
	assert.Equal(t, "collect", sess.ActiveStepID)
	require.Len(t, sess.StepHistory, 1)
	assert.Equal(t, "transition", sess.StepHistory[0].Reason)

	ApplyDecision(sess, sc, Decision{Kind: DecisionRelocalize, TargetStep: "confirm", Confidence: 0.8, Reason: "relocalize:step_deleted"}, at)
	assert.Equal(t, "confirm", sess.ActiveStepID)
	assert.Equal(t, 1, sess.RelocalizationCount)

	ApplyDecision(sess, sc, Decision{Kind: DecisionContinue, LowScore: true}, at)
	assert.Equal(t, 1, sess.LowScoreStreak)
	ApplyDecision(sess, sc, Decision{Kind: DecisionContinue}, at)
	assert.Zero(t, sess.LowScoreStreak)

	ApplyDecision(sess, sc, Decision{Kind: DecisionExit}, at)
	assert.False(t, sess.ScenarioActive())
}
