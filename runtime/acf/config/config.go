// Package config defines the typed, versioned configuration consumed by the
// fabric core. Configuration is immutable within a turn: the scheduler loads
// a snapshot at turn entry and updates apply at the next turn boundary.
package config

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// ConcurrencyStrategy selects how a new message interacts with an
	// in-flight turn on the same session key.
	ConcurrencyStrategy string

	// Config is the per-(tenant,agent) configuration snapshot.
	Config struct {
		// Version is the immutable snapshot version assigned by the store.
		Version int

		Concurrency Concurrency
		Aggregation Aggregation
		Timeouts    Timeouts
		Navigator   NavigatorConfig
		Webhooks    WebhookConfig
		Session     SessionConfig
		Identity    IdentityConfig
	}

	// Concurrency controls the per-session-key scheduling strategy.
	Concurrency struct {
		// Strategy defaults to queueing behind the in-flight turn.
		Strategy ConcurrencyStrategy
		// MaxRunsPerSession is always 1 in this design; the field exists so
		// configuration surfaces reject other values explicitly.
		MaxRunsPerSession int
	}

	// Aggregation controls how inbound messages coalesce into turns.
	Aggregation struct {
		// WindowDefault is the quiet window after the last absorbed message.
		WindowDefault time.Duration
		// PerChannel overrides the window for specific channels (e.g. 0 for
		// web and voice).
		PerChannel map[acf.Channel]time.Duration
		// MaxMessages caps messages absorbed into one turn.
		MaxMessages int
		// MaxBytes caps the combined payload bytes of one turn.
		MaxBytes int
	}

	// Timeouts bounds the suspension points of a turn.
	Timeouts struct {
		Brain time.Duration
		Tool  time.Duration
		Total time.Duration
		// Mutex bounds the session slot wait; zero disables the bound.
		Mutex time.Duration
	}

	// NavigatorConfig carries the scenario navigator thresholds.
	NavigatorConfig struct {
		EntryThreshold              float64 `yaml:"entry_threshold"`
		TransitionThreshold         float64 `yaml:"transition_threshold"`
		SanityThreshold             float64 `yaml:"sanity_threshold"`
		MinMargin                   float64 `yaml:"min_margin"`
		RelocalizationThreshold     float64 `yaml:"relocalization_threshold"`
		RelocalizationTriggerTurns  int     `yaml:"relocalization_trigger_turns"`
		MaxRelocalizationHops       int     `yaml:"max_relocalization_hops"`
		MaxRelocalizationCandidates int     `yaml:"max_relocalization_candidates"`
		MaxLoopIterations           int     `yaml:"max_loop_iterations"`
		LoopDetectionWindow         int     `yaml:"loop_detection_window"`
		// AdjudicationEnabled turns on the LLM adjudicator for multi-candidate
		// decisions.
		AdjudicationEnabled bool `yaml:"adjudication_enabled"`
		// AdjudicationModel selects the adjudicator via the model router.
		AdjudicationModel string `yaml:"adjudication_model"`
		// EmbeddingModel selects the embedder via the model router.
		EmbeddingModel string `yaml:"embedding_model"`
	}

	// WebhookConfig carries the delivery policy defaults.
	WebhookConfig struct {
		InitialBackoff   time.Duration
		BackoffFactor    float64
		MaxBackoff       time.Duration
		MaxRetries       int
		Timeout          time.Duration
		FailureThreshold int
		// TimestampTolerance bounds receiver-side replay checks.
		TimestampTolerance time.Duration
		// RequireHTTPS rejects plain-http endpoints; on in production.
		RequireHTTPS bool
	}

	// SessionConfig controls session lifecycle.
	SessionConfig struct {
		// IdleTimeout closes sessions with no turns for this long. Zero
		// disables the sweep.
		IdleTimeout time.Duration
	}

	// IdentityConfig carries tenant identity policy.
	IdentityConfig struct {
		// AutoLink enables cross-channel auto-link by phone/email.
		AutoLink bool `yaml:"auto_link"`
	}

	// RouterConfig bounds event router emission. Process-wide, not
	// per-tenant-config, so it lives beside Config rather than inside it.
	RouterConfig struct {
		// MaxPayloadBytes truncates event payloads above this size.
		MaxPayloadBytes int
		// TenantEventsPerSecond caps per-tenant emission; zero disables.
		TenantEventsPerSecond float64
		// TenantBurst is the per-tenant burst allowance.
		TenantBurst int
	}

	// Store resolves configuration snapshots per (tenant, agent). Snapshots
	// are immutable; updates surface as a new Version at the next lookup.
	Store interface {
		// Snapshot returns the current configuration for the scope. Stores
		// fall back to defaults for scopes never configured.
		Snapshot(ctx context.Context, tenant acf.TenantID, agent acf.AgentID) (Config, error)
	}
)

const (
	// GroupRoundRobin queues new messages behind the in-flight turn.
	GroupRoundRobin ConcurrencyStrategy = "GROUP_ROUND_ROBIN"
	// CancelInProgress cancels the in-flight turn when it has not reached
	// its commit point.
	CancelInProgress ConcurrencyStrategy = "CANCEL_IN_PROGRESS"
)

// ErrInvalid reports a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the configuration used when a scope has no overrides. The
// values mirror the documented platform defaults.
func Default() Config {
	return Config{
		Concurrency: Concurrency{
			Strategy:          GroupRoundRobin,
			MaxRunsPerSession: 1,
		},
		Aggregation: Aggregation{
			WindowDefault: 3 * time.Second,
			PerChannel: map[acf.Channel]time.Duration{
				"web":   0,
				"voice": 0,
			},
			MaxMessages: 20,
			MaxBytes:    512 * 1024,
		},
		Timeouts: Timeouts{
			Brain: 30 * time.Second,
			Tool:  15 * time.Second,
			Total: 60 * time.Second,
		},
		Navigator: NavigatorConfig{
			EntryThreshold:              0.65,
			TransitionThreshold:         0.65,
			SanityThreshold:             0.35,
			MinMargin:                   0.10,
			RelocalizationThreshold:     0.70,
			RelocalizationTriggerTurns:  3,
			MaxRelocalizationHops:       3,
			MaxRelocalizationCandidates: 10,
			MaxLoopIterations:           5,
			LoopDetectionWindow:         10,
		},
		Webhooks: WebhookConfig{
			InitialBackoff:     10 * time.Second,
			BackoffFactor:      2,
			MaxBackoff:         time.Hour,
			MaxRetries:         5,
			Timeout:            10 * time.Second,
			FailureThreshold:   10,
			TimestampTolerance: 300 * time.Second,
			RequireHTTPS:       true,
		},
		Session: SessionConfig{
			IdleTimeout: 24 * time.Hour,
		},
		Identity: IdentityConfig{AutoLink: true},
	}
}

// DefaultRouter returns the default router bounds.
func DefaultRouter() RouterConfig {
	return RouterConfig{
		MaxPayloadBytes:       64 * 1024,
		TenantEventsPerSecond: 200,
		TenantBurst:           400,
	}
}

// Validate rejects configurations that violate structural invariants.
func (c Config) Validate() error {
	if c.Concurrency.MaxRunsPerSession != 1 {
		return errors.Join(ErrInvalid, errors.New("max_runs_per_session must be 1"))
	}
	switch c.Concurrency.Strategy {
	case GroupRoundRobin, CancelInProgress:
	default:
		return errors.Join(ErrInvalid, errors.New("unknown concurrency strategy"))
	}
	if c.Aggregation.WindowDefault < 0 || c.Aggregation.MaxMessages <= 0 || c.Aggregation.MaxBytes <= 0 {
		return errors.Join(ErrInvalid, errors.New("aggregation bounds must be positive"))
	}
	n := c.Navigator
	for _, v := range []float64{n.EntryThreshold, n.TransitionThreshold, n.SanityThreshold, n.RelocalizationThreshold} {
		if v < 0 || v > 1 {
			return errors.Join(ErrInvalid, errors.New("navigator thresholds must be in [0,1]"))
		}
	}
	if c.Webhooks.BackoffFactor < 1 {
		return errors.Join(ErrInvalid, errors.New("webhook backoff factor must be >= 1"))
	}
	return nil
}

// AggregationWindow resolves the window for a channel.
func (c Config) AggregationWindow(ch acf.Channel) time.Duration {
	if c.Aggregation.PerChannel != nil {
		if w, ok := c.Aggregation.PerChannel[ch]; ok {
			return w
		}
	}
	return c.Aggregation.WindowDefault
}
