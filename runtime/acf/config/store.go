package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruche-ai/fabric/runtime/acf"
)

type (
	// MemStore is an in-process config.Store with per-scope overrides on top
	// of a base configuration. Updates bump the snapshot version; turns in
	// flight keep the snapshot they loaded at entry.
	MemStore struct {
		mu      sync.RWMutex
		base    Config
		scopes  map[scopeKey]Config
		version int
	}

	scopeKey struct {
		tenant acf.TenantID
		agent  acf.AgentID
	}

	// fileConfig is the YAML document shape accepted by LoadFile. Durations
	// are expressed in milliseconds (or seconds where suffixed _s) to match
	// the platform configuration envelope.
	fileConfig struct {
		Concurrency struct {
			Strategy          string `yaml:"strategy"`
			MaxRunsPerSession *int   `yaml:"max_runs_per_session"`
		} `yaml:"concurrency"`
		Aggregation struct {
			WindowMsDefault    *int           `yaml:"window_ms_default"`
			PerChannelOverride map[string]int `yaml:"per_channel_overrides"`
			MaxMessages        *int           `yaml:"max_messages"`
			MaxBytes           *int           `yaml:"max_bytes"`
		} `yaml:"aggregation"`
		Timeouts struct {
			BrainMs *int `yaml:"brain_ms"`
			ToolMs  *int `yaml:"tool_ms"`
			TotalMs *int `yaml:"total_ms"`
			MutexMs *int `yaml:"mutex_ms"`
		} `yaml:"timeouts"`
		Navigator *NavigatorConfig `yaml:"scenario_navigator"`
		Webhooks  struct {
			InitialBackoffS  *int     `yaml:"initial_backoff_s"`
			BackoffFactor    *float64 `yaml:"backoff_factor"`
			MaxBackoffS      *int     `yaml:"max_backoff_s"`
			MaxRetries       *int     `yaml:"max_retries"`
			TimeoutMs        *int     `yaml:"timeout_ms"`
			FailureThreshold *int     `yaml:"failure_threshold"`
			RequireHTTPS     *bool    `yaml:"require_https"`
		} `yaml:"webhooks"`
		Session struct {
			IdleTimeoutS *int `yaml:"idle_timeout_s"`
		} `yaml:"session"`
		Identity *IdentityConfig `yaml:"identity"`
	}
)

// NewMemStore returns a store serving base for every scope.
func NewMemStore(base Config) (*MemStore, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	return &MemStore{
		base:    base,
		scopes:  make(map[scopeKey]Config),
		version: 1,
	}, nil
}

// Snapshot implements Store.
func (s *MemStore) Snapshot(_ context.Context, tenant acf.TenantID, agent acf.AgentID) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.scopes[scopeKey{tenant, agent}]
	if !ok {
		cfg = s.base
	}
	cfg.Version = s.version
	return cfg, nil
}

// SetScope installs an override for one (tenant, agent) scope. The change
// becomes visible at the next Snapshot; in-flight turns are unaffected.
func (s *MemStore) SetScope(tenant acf.TenantID, agent acf.AgentID, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scopeKey{tenant, agent}] = cfg
	s.version++
	return nil
}

// LoadFile reads a YAML configuration envelope and merges it over Default().
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var doc fileConfig
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg := Default()
	doc.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (d *fileConfig) apply(cfg *Config) {
	if d.Concurrency.Strategy != "" {
		cfg.Concurrency.Strategy = ConcurrencyStrategy(d.Concurrency.Strategy)
	}
	if d.Concurrency.MaxRunsPerSession != nil {
		cfg.Concurrency.MaxRunsPerSession = *d.Concurrency.MaxRunsPerSession
	}
	if d.Aggregation.WindowMsDefault != nil {
		cfg.Aggregation.WindowDefault = time.Duration(*d.Aggregation.WindowMsDefault) * time.Millisecond
	}
	if len(d.Aggregation.PerChannelOverride) > 0 {
		if cfg.Aggregation.PerChannel == nil {
			cfg.Aggregation.PerChannel = make(map[acf.Channel]time.Duration)
		}
		for ch, v := range d.Aggregation.PerChannelOverride {
			cfg.Aggregation.PerChannel[acf.Channel(ch)] = time.Duration(v) * time.Millisecond
		}
	}
	if d.Aggregation.MaxMessages != nil {
		cfg.Aggregation.MaxMessages = *d.Aggregation.MaxMessages
	}
	if d.Aggregation.MaxBytes != nil {
		cfg.Aggregation.MaxBytes = *d.Aggregation.MaxBytes
	}
	if d.Timeouts.BrainMs != nil {
		cfg.Timeouts.Brain = time.Duration(*d.Timeouts.BrainMs) * time.Millisecond
	}
	if d.Timeouts.ToolMs != nil {
		cfg.Timeouts.Tool = time.Duration(*d.Timeouts.ToolMs) * time.Millisecond
	}
	if d.Timeouts.TotalMs != nil {
		cfg.Timeouts.Total = time.Duration(*d.Timeouts.TotalMs) * time.Millisecond
	}
	if d.Timeouts.MutexMs != nil {
		cfg.Timeouts.Mutex = time.Duration(*d.Timeouts.MutexMs) * time.Millisecond
	}
	if d.Navigator != nil {
		cfg.Navigator = *d.Navigator
	}
	if d.Webhooks.InitialBackoffS != nil {
		cfg.Webhooks.InitialBackoff = time.Duration(*d.Webhooks.InitialBackoffS) * time.Second
	}
	if d.Webhooks.BackoffFactor != nil {
		cfg.Webhooks.BackoffFactor = *d.Webhooks.BackoffFactor
	}
	if d.Webhooks.MaxBackoffS != nil {
		cfg.Webhooks.MaxBackoff = time.Duration(*d.Webhooks.MaxBackoffS) * time.Second
	}
	if d.Webhooks.MaxRetries != nil {
		cfg.Webhooks.MaxRetries = *d.Webhooks.MaxRetries
	}
	if d.Webhooks.TimeoutMs != nil {
		cfg.Webhooks.Timeout = time.Duration(*d.Webhooks.TimeoutMs) * time.Millisecond
	}
	if d.Webhooks.FailureThreshold != nil {
		cfg.Webhooks.FailureThreshold = *d.Webhooks.FailureThreshold
	}
	if d.Webhooks.RequireHTTPS != nil {
		cfg.Webhooks.RequireHTTPS = *d.Webhooks.RequireHTTPS
	}
	if d.Session.IdleTimeoutS != nil {
		cfg.Session.IdleTimeout = time.Duration(*d.Session.IdleTimeoutS) * time.Second
	}
	if d.Identity != nil {
		cfg.Identity = *d.Identity
	}
}
