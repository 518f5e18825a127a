// Package ratelimitconfig loads per-service rate-limit configuration from a
// YAML document, falling back to an embedded default set covering the core's
// recognized providers when the document is absent, unreadable, or omits a
// service.
package ratelimitconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Algorithm identifies which rate-limiting strategy a service uses.
type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// BackoffType identifies which back-off strategy a service uses.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffAdaptive    BackoffType = "adaptive"
)

// Limit is one sliding-window or token-bucket threshold. Exactly one of the
// two pairs is meaningful, depending on the owning Config's Algorithm.
type Limit struct {
	Requests         int     `yaml:"requests,omitempty"`
	WindowSeconds    int     `yaml:"window_seconds,omitempty"`
	Capacity         float64 `yaml:"capacity,omitempty"`
	RefillPerSecond  float64 `yaml:"refill_per_second,omitempty"`
}

// BackoffPolicy configures the retry delay calculation for a service.
type BackoffPolicy struct {
	Type            BackoffType `yaml:"type"`
	InitialDelayMs  int         `yaml:"initial_delay_ms"`
	MaxDelayMs      int         `yaml:"max_delay_ms"`
	Multiplier      float64     `yaml:"multiplier"`
	Jitter          bool        `yaml:"jitter"`
}

// Validate enforces the BackoffPolicy invariants from the data model.
func (b BackoffPolicy) Validate() error {
	if b.InitialDelayMs > b.MaxDelayMs {
		return fmt.Errorf("initial_delay_ms (%d) exceeds max_delay_ms (%d)", b.InitialDelayMs, b.MaxDelayMs)
	}
	if b.Type == BackoffExponential && b.Multiplier < 1 {
		return fmt.Errorf("exponential backoff requires multiplier >= 1, got %v", b.Multiplier)
	}
	return nil
}

// Config is one service's complete rate-limit configuration.
type Config struct {
	Service             string             `yaml:"-"`
	Algorithm           Algorithm          `yaml:"algorithm"`
	Limits              []Limit            `yaml:"limits"`
	Backoff             BackoffPolicy      `yaml:"backoff"`
	CostMapping         map[string]float64 `yaml:"cost_mapping,omitempty"`
	KeyTTLSeconds       int                `yaml:"key_ttl_seconds"`
	EnableRateLimiting  bool               `yaml:"enable_rate_limiting"`
}

// Validate enforces the RateLimitConfig invariants: at least one limit, a
// recognized algorithm, and non-negative cost multipliers.
func (c Config) Validate() error {
	if c.Algorithm != SlidingWindow && c.Algorithm != TokenBucket {
		return fmt.Errorf("service %q: unknown algorithm %q", c.Service, c.Algorithm)
	}
	if len(c.Limits) == 0 {
		return fmt.Errorf("service %q: at least one limit is required", c.Service)
	}
	for model, mult := range c.CostMapping {
		if mult < 0 {
			return fmt.Errorf("service %q: negative cost multiplier for model %q", c.Service, model)
		}
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("service %q: %w", c.Service, err)
	}
	return nil
}

// CostMultiplier returns the multiplier for model, defaulting to 1.0 for an
// unrecognized model.
func (c Config) CostMultiplier(model string) float64 {
	if m, ok := c.CostMapping[model]; ok {
		return m
	}
	return 1.0
}

// Store is the loaded set of per-service configs, keyed by service name.
type Store map[string]Config

// Get looks up a service's config.
func (s Store) Get(service string) (Config, bool) {
	c, ok := s[service]
	return c, ok
}

func defaults() Store {
	return Store{
		"llm": {
			Service:            "llm",
			Algorithm:          TokenBucket,
			Limits:             []Limit{{Capacity: 500, RefillPerSecond: 8.33}},
			Backoff:            BackoffPolicy{Type: BackoffExponential, InitialDelayMs: 1000, MaxDelayMs: 60000, Multiplier: 2, Jitter: true},
			CostMapping: map[string]float64{
				"gpt-4": 10, "gpt-4-turbo": 6, "gpt-3.5-turbo": 1,
				"claude-3-opus": 15, "claude-3-sonnet": 3, "claude-3-haiku": 1,
			},
			KeyTTLSeconds:      3600,
			EnableRateLimiting: true,
		},
		"llm_tokens": {
			Service:            "llm_tokens",
			Algorithm:          TokenBucket,
			Limits:             []Limit{{Capacity: 100000, RefillPerSecond: 1666.0}},
			Backoff:            BackoffPolicy{Type: BackoffExponential, InitialDelayMs: 1000, MaxDelayMs: 60000, Multiplier: 2, Jitter: true},
			KeyTTLSeconds:      3600,
			EnableRateLimiting: true,
		},
		"whisper": {
			Service:            "whisper",
			Algorithm:          SlidingWindow,
			Limits:             []Limit{{Requests: 50, WindowSeconds: 60}},
			Backoff:            BackoffPolicy{Type: BackoffExponential, InitialDelayMs: 2000, MaxDelayMs: 30000, Multiplier: 2},
			KeyTTLSeconds:      3600,
			EnableRateLimiting: true,
		},
		"embeddings": {
			Service:            "embeddings",
			Algorithm:          TokenBucket,
			Limits:             []Limit{{Capacity: 1000, RefillPerSecond: 16.67}},
			Backoff:            BackoffPolicy{Type: BackoffLinear, InitialDelayMs: 500, MaxDelayMs: 10000, Multiplier: 1},
			CostMapping: map[string]float64{
				"text-embedding-ada-002": 1, "text-embedding-3-small": 0.5, "text-embedding-3-large": 2,
			},
			KeyTTLSeconds:      3600,
			EnableRateLimiting: true,
		},
	}
}

// Load reads a YAML document at path and merges it over the embedded
// defaults: every field a service document sets overrides the default,
// fields it omits inherit from the default, and services the document
// doesn't mention keep their default verbatim. If path is empty, the file
// doesn't exist, or it fails to parse, Load falls back to the defaults
// entirely and returns no error — per the core's "restart is acceptable,
// hot-reload is not required" policy, a bad document should not prevent
// startup.
func Load(path string) (Store, error) {
	result := defaults()

	if path == "" {
		return result, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return result, nil
	}

	var raw map[string]rawDoc
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return result, nil
	}

	for service, doc := range raw {
		merged := mergeOverDefault(result[service], service, doc)
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("rate limit config: %w", err)
		}
		result[service] = merged
	}
	return result, nil
}

// rawDoc mirrors Config but with a pointer for EnableRateLimiting so the
// merge step can distinguish "absent from the document" from "explicitly
// set to false" — a plain bool can't make that distinction after YAML
// unmarshalling.
type rawDoc struct {
	Algorithm          Algorithm          `yaml:"algorithm"`
	Limits             []Limit            `yaml:"limits"`
	Backoff            BackoffPolicy      `yaml:"backoff"`
	CostMapping        map[string]float64 `yaml:"cost_mapping,omitempty"`
	KeyTTLSeconds      int                `yaml:"key_ttl_seconds"`
	EnableRateLimiting *bool              `yaml:"enable_rate_limiting"`
}

// mergeOverDefault overlays the fields explicitly set in doc onto base.
// A zero-value Algorithm/Limits/Backoff.Type means "not set" and inherits
// from base.
func mergeOverDefault(base Config, service string, doc rawDoc) Config {
	merged := base
	merged.Service = service
	if doc.Algorithm != "" {
		merged.Algorithm = doc.Algorithm
	}
	if len(doc.Limits) > 0 {
		merged.Limits = doc.Limits
	}
	if doc.Backoff.Type != "" {
		merged.Backoff = doc.Backoff
	}
	if doc.CostMapping != nil {
		merged.CostMapping = doc.CostMapping
	}
	if doc.KeyTTLSeconds > 0 {
		merged.KeyTTLSeconds = doc.KeyTTLSeconds
	}
	if doc.EnableRateLimiting != nil {
		merged.EnableRateLimiting = *doc.EnableRateLimiting
	}
	return merged
}
