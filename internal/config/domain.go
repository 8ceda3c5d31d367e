package config

import (
	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/reconcile"
	"github.com/MrWong99/loreweave/internal/resilience"
	"github.com/MrWong99/loreweave/internal/turn"
	"github.com/MrWong99/loreweave/internal/turnlock"
	"github.com/MrWong99/loreweave/pkg/lore"
)

// TurnConfig converts the narration section into pipeline settings,
// keeping the stock value for every field left unset.
func (c *Config) TurnConfig() turn.Config {
	d := turn.DefaultConfig()
	n := c.Narration
	out := turn.Config{
		BasePrompt:        n.BasePrompt,
		DefaultMainPrompt: n.DefaultMainPrompt,
		HistoryLimit:      d.HistoryLimit,
		NarratorTimeout:   d.NarratorTimeout,
		Narration:         n.Sampling.apply(d.Narration),
		Regeneration:      n.Regeneration.apply(d.Regeneration),
	}
	if n.HistoryLimit > 0 {
		out.HistoryLimit = n.HistoryLimit
	}
	if n.Timeout > 0 {
		out.NarratorTimeout = n.Timeout
	}
	return out
}

func (s SamplingConfig) apply(base turn.Sampling) turn.Sampling {
	if s.Temperature != nil {
		base.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		base.TopP = *s.TopP
	}
	if s.MaxTokens > 0 {
		base.MaxTokens = s.MaxTokens
	}
	if len(s.Stop) > 0 {
		base.Stop = s.Stop
	}
	return base
}

// MatchingPolicies converts the matching section. Kinds not configured are
// absent; [reconcile.NewMatcher] fills them with the stock policies.
func (c *Config) MatchingPolicies() map[lore.Kind]reconcile.Policy {
	out := make(map[lore.Kind]reconcile.Policy, len(c.Matching))
	for kind, m := range c.Matching {
		out[kind] = reconcile.Policy{
			Algorithm: reconcile.Algorithm(m.Algorithm),
			Threshold: m.Threshold,
		}
	}
	return out
}

// LifecycleRules starts from [lifecycle.DefaultRules] and replaces the rules
// of every kind the lifecycle section mentions.
func (c *Config) LifecycleRules() lifecycle.Rules {
	r := lifecycle.DefaultRules()
	for kind, p := range c.Lifecycle.Promotion {
		r.Promotion[kind] = lifecycle.Promotion{
			Reinforcement: p.Reinforcement,
			Importance:    p.Importance,
		}
	}
	for kind, steps := range c.Lifecycle.Decay {
		out := make([]lifecycle.DecayStep, 0, len(steps))
		for _, s := range steps {
			out = append(out, lifecycle.DecayStep{From: s.From, To: s.To, IdleTurns: s.IdleTurns})
		}
		r.Decay[kind] = out
	}
	return r
}

// TurnLock returns the Redis lease settings.
func (c *Config) TurnLock() turnlock.RedisConfig {
	return turnlock.RedisConfig{
		KeyPrefix:     c.Lock.Redis.KeyPrefix,
		LeaseTTL:      c.Lock.Redis.LeaseTTL,
		RetryInterval: c.Lock.Redis.RetryInterval,
	}
}

// Fallback returns the per-provider circuit breaker settings.
func (c *Config) Fallback() resilience.FallbackConfig {
	b := c.Providers.Breaker
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
		},
	}
}
