package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/config"
	"github.com/ruche-ai/fabric/runtime/acf/engine"
	engineinmem "github.com/ruche-ai/fabric/runtime/acf/engine/inmem"
	"github.com/ruche-ai/fabric/runtime/acf/event"
	"github.com/ruche-ai/fabric/runtime/acf/message"
	"github.com/ruche-ai/fabric/runtime/acf/pipeline"
	"github.com/ruche-ai/fabric/runtime/acf/session"
	sessioninmem "github.com/ruche-ai/fabric/runtime/acf/session/inmem"
	"github.com/ruche-ai/fabric/runtime/acf/toolbox"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingEmitter) Emit(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recordingEmitter) typesFor(turnID string) []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Type
	for _, e := range r.events {
		if turnID == "" || e.LogicalTurnID == turnID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recordingEmitter) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) firstOf(t event.Type) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return event.Event{}, false
}

func (r *recordingEmitter) turnIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	seen := make(map[string]struct{})
	for _, e := range r.events {
		if e.Type != event.TurnStarted {
			continue
		}
		if _, dup := seen[e.LogicalTurnID]; dup {
			continue
		}
		seen[e.LogicalTurnID] = struct{}{}
		out = append(out, e.LogicalTurnID)
	}
	return out
}

type recordingResponder struct {
	mu        sync.Mutex
	delivered [][]acf.Segment
}

func (r *recordingResponder) Deliver(_ context.Context, _ string, _ string, segments []acf.Segment) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, segments)
	r.mu.Unlock()
	return nil
}

func (r *recordingResponder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, segs := range r.delivered {
		for _, s := range segs {
			out = append(out, s.Text)
		}
	}
	return out
}

type harness struct {
	eng       *engineinmem.Engine
	sessions  *sessioninmem.Store
	emitter   *recordingEmitter
	responder *recordingResponder
	ledger    *toolbox.MemLedger
	mailbox   *MemMailbox
	key       acf.SessionKey
}

func testConfig(window time.Duration, strategy config.ConcurrencyStrategy) config.Config {
	cfg := config.Default()
	cfg.Aggregation.WindowDefault = window
	cfg.Aggregation.PerChannel = nil
	cfg.Concurrency.Strategy = strategy
	cfg.Session.IdleTimeout = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, p pipeline.Pipeline) *harness {
	t.Helper()
	h := &harness{
		eng:       engineinmem.New(),
		sessions:  sessioninmem.New(),
		emitter:   &recordingEmitter{},
		responder: &recordingResponder{},
		ledger:    toolbox.NewMemLedger(),
		mailbox:   NewMemMailbox(),
		key:       acf.SessionKey{Tenant: "t1", Agent: "a1", Interlocutor: "i1", Channel: "whatsapp"},
	}
	configs, err := config.NewMemStore(cfg)
	require.NoError(t, err)
	scheduler, err := NewScheduler(SchedulerOptions{
		Sessions:  h.sessions,
		Configs:   configs,
		Pipeline:  p,
		Emitter:   h.emitter,
		Ledger:    h.ledger,
		Mailbox:   h.mailbox,
		Responder: h.responder,
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Register(context.Background(), h.eng, "test"))
	return h
}

func (h *harness) send(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.mailbox.MarkEnqueued(context.Background(), h.key.String(), time.Now().UTC()))
	require.NoError(t, h.eng.SignalWithStart(context.Background(), engine.SignalStartRequest{
		ID:       h.key.String(),
		Workflow: WorkflowName,
		StartInput: &WorkflowInput{
			SessionKey:     h.key.String(),
			TenantID:       h.key.Tenant,
			AgentID:        h.key.Agent,
			InterlocutorID: h.key.Interlocutor,
			Channel:        h.key.Channel,
		},
		SignalName: SignalMessage,
		SignalPayload: &MessageSignal{Message: message.RawMessage{
			TenantID:          h.key.Tenant,
			AgentID:           h.key.Agent,
			Channel:           h.key.Channel,
			ChannelUserID:     "u1",
			ContentType:       acf.ContentText,
			Text:              text,
			ProviderMessageID: "pm-" + text,
			ReceivedAt:        time.Now().UTC(),
		}},
	}))
}

func echoPipeline() pipeline.Pipeline {
	return pipeline.Func(func(_ context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		last := tc.Messages[len(tc.Messages)-1]
		return &pipeline.TurnResult{
			Segments: []acf.Segment{{Type: acf.SegmentText, Text: last.Text}},
		}, nil
	})
}

// TestBasicTurn is seed S1: one message, quiet window, committed turn.
func TestBasicTurn(t *testing.T) {
	h := newHarness(t, testConfig(100*time.Millisecond, config.GroupRoundRobin), echoPipeline())
	h.send(t, "hello")

	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	turns := h.emitter.turnIDs()
	require.Len(t, turns, 1)
	types := h.emitter.typesFor(turns[0])
	assert.Equal(t, []event.Type{
		event.MutexAcquired,
		event.SessionCreated,
		event.TurnStarted,
		event.TurnMessageAbsorbed,
		event.TurnCompleted,
		event.MutexReleased,
	}, types)

	absorbed, ok := h.emitter.firstOf(event.TurnMessageAbsorbed)
	require.True(t, ok)
	assert.EqualValues(t, 1, absorbed.Payload["count"])

	// Created at version 1, committed once: version 2, turn count 1.
	state, err := h.sessions.Get(context.Background(), h.key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, int64(1), state.TurnCount)

	assert.Equal(t, []string{"hello"}, h.responder.texts())
}

// TestChattyAggregation is seed S2: three quick messages coalesce into one
// turn, a late fourth opens the next.
func TestChattyAggregation(t *testing.T) {
	h := newHarness(t, testConfig(200*time.Millisecond, config.GroupRoundRobin), echoPipeline())

	h.send(t, "m1")
	time.Sleep(40 * time.Millisecond)
	h.send(t, "m2")
	time.Sleep(60 * time.Millisecond)
	h.send(t, "m3")

	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.send(t, "m4")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 2
	}, 5*time.Second, 10*time.Millisecond)

	turns := h.emitter.turnIDs()
	require.Len(t, turns, 2)

	// Turn A absorbed three messages, turn B one.
	assert.Equal(t, 3, countType(h.emitter.typesFor(turns[0]), event.TurnMessageAbsorbed))
	assert.Equal(t, 1, countType(h.emitter.typesFor(turns[1]), event.TurnMessageAbsorbed))
	assert.Equal(t, []string{"m3", "m4"}, h.responder.texts())
}

// TestSupersedeDeniedAfterCommit is seed S3: an irreversible commit blocks
// the cancel; the new message starts a fresh turn afterwards.
func TestSupersedeDeniedAfterCommit(t *testing.T) {
	var h *harness
	release := make(chan struct{})
	first := true
	p := pipeline.Func(func(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		if first {
			first = false
			// Simulate a successful irreversible tool: commit point reached.
			_ = h.ledger.MarkCommitted(ctx, tc.LogicalTurnID)
			_ = tc.Emit(ctx, event.Event{Type: event.CommitReached})
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		last := tc.Messages[len(tc.Messages)-1]
		return &pipeline.TurnResult{Segments: []acf.Segment{{Type: acf.SegmentText, Text: last.Text}}}, nil
	})
	h = newHarness(t, testConfig(50*time.Millisecond, config.CancelInProgress), p)

	h.send(t, "m1")
	// Wait until the pipeline holds the commit point, then interrupt.
	require.Eventually(t, func() bool {
		return h.emitter.count(event.CommitReached) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let aggregation close and the run begin
	h.send(t, "m2")

	require.Eventually(t, func() bool {
		return h.emitter.count(event.SupersedeDecision) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	decision, ok := h.emitter.firstOf(event.SupersedeDecision)
	require.True(t, ok)
	assert.Equal(t, "deny", decision.Payload["decision"])

	close(release)
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Zero(t, h.emitter.count(event.TurnSuperseded))
	assert.Equal(t, []string{"m1", "m2"}, h.responder.texts())
}

// TestSupersedeCancelsBeforeCommit is seed S4: pre-commit, the in-flight
// turn is cancelled and the successor aggregates both messages.
func TestSupersedeCancelsBeforeCommit(t *testing.T) {
	var (
		mu         sync.Mutex
		callCounts []int
	)
	p := pipeline.Func(func(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		mu.Lock()
		callCounts = append(callCounts, len(tc.Messages))
		firstCall := len(callCounts) == 1
		mu.Unlock()
		if firstCall {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		last := tc.Messages[len(tc.Messages)-1]
		return &pipeline.TurnResult{Segments: []acf.Segment{{Type: acf.SegmentText, Text: last.Text}}}, nil
	})
	h := newHarness(t, testConfig(50*time.Millisecond, config.CancelInProgress), p)

	h.send(t, "m1")
	time.Sleep(150 * time.Millisecond) // window closes, pipeline starts
	h.send(t, "m2")

	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.emitter.count(event.SupersedeRequested))
	assert.Equal(t, 1, h.emitter.count(event.SupersedeExecuted))
	assert.Equal(t, 1, h.emitter.count(event.TurnSuperseded))

	superseded, ok := h.emitter.firstOf(event.TurnSuperseded)
	require.True(t, ok)
	successor := superseded.Payload["successor_turn_id"]
	require.NotEmpty(t, successor)

	// The successor turn carries the announced ID and both messages.
	completed, ok := h.emitter.firstOf(event.TurnCompleted)
	require.True(t, ok)
	assert.Equal(t, successor, completed.LogicalTurnID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, callCounts, 2)
	assert.Equal(t, 1, callCounts[0])
	assert.Equal(t, 2, callCounts[1])
}

// TestCooperativeAbort covers the queue-policy cooperative supersede: the
// pipeline checks for pending messages and aborts before committing.
func TestCooperativeAbort(t *testing.T) {
	proceed := make(chan struct{})
	var calls int
	var mu sync.Mutex
	p := pipeline.Func(func(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		mu.Lock()
		calls++
		firstCall := calls == 1
		mu.Unlock()
		if firstCall {
			<-proceed
			if tc.HasPendingMessages() {
				return &pipeline.TurnResult{Abort: true}, nil
			}
		}
		last := tc.Messages[len(tc.Messages)-1]
		return &pipeline.TurnResult{Segments: []acf.Segment{{Type: acf.SegmentText, Text: last.Text}}}, nil
	})
	h := newHarness(t, testConfig(50*time.Millisecond, config.GroupRoundRobin), p)

	h.send(t, "m1")
	time.Sleep(150 * time.Millisecond)
	h.send(t, "m2")
	time.Sleep(50 * time.Millisecond)
	close(proceed)

	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.emitter.count(event.TurnSuperseded))
	// Queued decision was emitted for the mid-run arrival.
	decision, ok := h.emitter.firstOf(event.SupersedeDecision)
	require.True(t, ok)
	assert.Equal(t, "queued", decision.Payload["decision"])
	// The successor turn saw both messages; echo answers the newest.
	assert.Equal(t, []string{"m2"}, h.responder.texts())
}

// TestTurnsCommitInArrivalOrder checks FIFO per session key with a zero
// aggregation window (web-style immediate turns).
func TestTurnsCommitInArrivalOrder(t *testing.T) {
	h := newHarness(t, testConfig(0, config.GroupRoundRobin), echoPipeline())

	h.send(t, "m1")
	h.send(t, "m2")
	h.send(t, "m3")

	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 3
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"m1", "m2", "m3"}, h.responder.texts())

	// Per-turn mutex pairing: every acquire has exactly one release.
	assert.Equal(t, h.emitter.count(event.MutexAcquired), h.emitter.count(event.MutexReleased))
}

// TestPipelineRetryableFailureRetries drives the retry path: two retryable
// failures then success commits the turn once.
func TestPipelineRetryableFailureRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	p := pipeline.Func(func(_ context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, acf.NewRetryable(acf.CodeProviderTimeout, "upstream flaked")
		}
		return &pipeline.TurnResult{Segments: []acf.Segment{{Type: acf.SegmentText, Text: "ok"}}}, nil
	})
	h := newHarness(t, testConfig(0, config.GroupRoundRobin), p)

	h.send(t, "m1")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Zero(t, h.emitter.count(event.TurnFailed))
}

// TestPipelineFatalFailureFailsTurn: a non-retryable failure terminates the
// turn as failed and the session keeps serving.
func TestPipelineFatalFailureFailsTurn(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := pipeline.Func(func(_ context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return &pipeline.TurnResult{Err: acf.NewError(acf.CodeEnforcement, "policy violation")}, nil
		}
		return &pipeline.TurnResult{Segments: []acf.Segment{{Type: acf.SegmentText, Text: "fine"}}}, nil
	})
	h := newHarness(t, testConfig(0, config.GroupRoundRobin), p)

	h.send(t, "bad")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnFailed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.emitter.count(event.EnforcementViolation))

	failed, ok := h.emitter.firstOf(event.TurnFailed)
	require.True(t, ok)
	assert.Equal(t, string(acf.CodeEnforcement), failed.Payload["code"])

	// The session recovers on the next message.
	h.send(t, "good")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestIdleSessionCloses: the workflow completes and the session closes
// after the idle window.
func TestIdleSessionCloses(t *testing.T) {
	cfg := testConfig(0, config.GroupRoundRobin)
	cfg.Session.IdleTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg, echoPipeline())

	h.send(t, "hello")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.SessionClosed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	state, err := h.sessions.Get(context.Background(), h.key)
	require.NoError(t, err)
	assert.Equal(t, session.StatusClosed, state.Status)

	// A new message reopens the session under the same key.
	h.send(t, "again")
	require.Eventually(t, func() bool {
		return h.emitter.count(event.TurnCompleted) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func countType(types []event.Type, t event.Type) int {
	n := 0
	for _, v := range types {
		if v == t {
			n++
		}
	}
	return n
}
