// Package config loads the matching core's recognized options (§6) via
// github.com/spf13/viper: a YAML file plus environment overrides,
// falling back to the documented defaults. Grounded in the pack's own
// convergence on viper for exactly this role; the teacher itself has no
// config file (it reads flags in cmd/main.go), so this module carries
// the ambient stack the wider corpus uses rather than inventing a
// bespoke flag set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/blockpal1/attention-matching-engine/internal/matcher"
	"github.com/blockpal1/attention-matching-engine/internal/rules"
)

// Config is the fully-resolved set of recognized options for every
// component listed in §6.
type Config struct {
	Matcher matcher.Options
	Rules   rules.Options

	SessionPool struct {
		HeartbeatTimeout time.Duration
	}

	EventBus struct {
		// RedisAddr is the Redis Streams endpoint. Empty selects the
		// in-memory bus (used for local development and tests).
		RedisAddr    string
		MaxLenApprox int64
	}

	Metrics struct {
		ListenAddr string
	}

	// ConsumerID becomes the suffix of every ingress consumer name
	// (§6: "consumer name = prefix + process identifier").
	ConsumerID string
}

// Load reads configuration from path (if non-empty and present),
// environment variables prefixed MATCHING_ENGINE_, and falls back to
// the §6 documented defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MATCHING_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	cfg.Matcher = matcher.Options{
		MatchInterval:          v.GetDuration("matcher.match_interval"),
		PruneInterval:          v.GetDuration("matcher.prune_interval"),
		MaxMatchesPerIteration: v.GetInt("matcher.max_matches_per_iteration"),
		EmitEvents:             v.GetBool("matcher.emit_events"),
		MaxTopBidSkips:         v.GetInt("matcher.max_top_bid_skips"),
	}
	cfg.Rules = rules.Options{
		MinAttentionSeconds:      v.GetInt64("enforcer.min_attention_seconds"),
		HeartbeatTimeout:         v.GetDuration("enforcer.heartbeat_timeout"),
		MinEngagementScore:       v.GetFloat64("enforcer.min_engagement_score"),
		MinLivenessScore:         v.GetFloat64("enforcer.min_liveness_score"),
		LowEngagementGracePeriod: v.GetDuration("enforcer.low_engagement_grace_period"),
	}
	cfg.SessionPool.HeartbeatTimeout = v.GetDuration("session_pool.heartbeat_timeout")
	cfg.EventBus.RedisAddr = v.GetString("eventbus.redis_addr")
	cfg.EventBus.MaxLenApprox = v.GetInt64("eventbus.max_len_approx")
	cfg.Metrics.ListenAddr = v.GetString("metrics.listen_addr")
	cfg.ConsumerID = v.GetString("consumer_id")

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := matcher.DefaultOptions()
	v.SetDefault("matcher.match_interval", d.MatchInterval)
	v.SetDefault("matcher.prune_interval", d.PruneInterval)
	v.SetDefault("matcher.max_matches_per_iteration", d.MaxMatchesPerIteration)
	v.SetDefault("matcher.emit_events", d.EmitEvents)
	v.SetDefault("matcher.max_top_bid_skips", d.MaxTopBidSkips)

	e := rules.DefaultOptions()
	v.SetDefault("enforcer.min_attention_seconds", e.MinAttentionSeconds)
	v.SetDefault("enforcer.heartbeat_timeout", e.HeartbeatTimeout)
	v.SetDefault("enforcer.min_engagement_score", e.MinEngagementScore)
	v.SetDefault("enforcer.min_liveness_score", e.MinLivenessScore)
	v.SetDefault("enforcer.low_engagement_grace_period", e.LowEngagementGracePeriod)

	v.SetDefault("session_pool.heartbeat_timeout", e.HeartbeatTimeout)
	v.SetDefault("eventbus.redis_addr", "")
	v.SetDefault("eventbus.max_len_approx", 100_000)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("consumer_id", "1")
}
