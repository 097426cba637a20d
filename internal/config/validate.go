package config

import (
	"fmt"
	"strings"
)

var knownMedia = map[string]bool{"email": true, "sms": true, "push": true, "voice": true}

// Validate checks bounds and enums that would otherwise fail deep inside a
// component. It is used at boot and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3", "postgres", "postgresql":
	case "":
		return fmt.Errorf("storage.driver is required")
	default:
		return fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	for key, raw := range map[string]string{
		"http.read_timeout":      cfg.HTTP.ReadTimeout,
		"http.write_timeout":     cfg.HTTP.WriteTimeout,
		"http.shutdown_timeout":  cfg.HTTP.ShutdownTimeout,
		"engine.default_timeout": cfg.Engine.DefaultTimeout,
		"engine.max_queue_delay": cfg.Engine.MaxQueueDelay,
		"health.redis.ttl":       cfg.Health.Redis.TTL,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}

	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 || cfg.Engine.HistorySize < 0 {
		return fmt.Errorf("engine: workers, queue_size and history_size must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dispatch.Mode)) {
	case "", "engine":
	case "amqp":
		if strings.TrimSpace(cfg.Dispatch.AMQP.URL) == "" {
			return fmt.Errorf("dispatch.amqp.url is required when dispatch.mode=amqp")
		}
		if p := cfg.Dispatch.AMQP.Priority; p < 0 || p > 255 {
			return fmt.Errorf("dispatch.amqp.priority must be within 0..255")
		}
	default:
		return fmt.Errorf("dispatch.mode: unknown %q", cfg.Dispatch.Mode)
	}

	if t := cfg.Health.Threshold; t < 0 || t > 1 {
		return fmt.Errorf("health.threshold must be within 0..1")
	}
	if cfg.Health.MinSamples < 0 {
		return fmt.Errorf("health.min_samples must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Health.Store)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Health.Redis.Addr) == "" {
			return fmt.Errorf("health.redis.addr is required when health.store=redis")
		}
	default:
		return fmt.Errorf("health.store: unknown %q", cfg.Health.Store)
	}

	for medium, ch := range cfg.Channels {
		if !knownMedia[medium] {
			return fmt.Errorf("channels.%s: unknown medium", medium)
		}
		seen := map[string]bool{}
		for i, g := range ch.Gateways {
			if strings.TrimSpace(g.Provider) == "" {
				return fmt.Errorf("channels.%s.gateways[%d].provider is required", medium, i)
			}
			name := g.EffectiveName()
			if seen[name] {
				return fmt.Errorf("channels.%s: duplicate gateway name %q", medium, name)
			}
			seen[name] = true
			if g.RatePerSec < 0 || g.RatePerHour < 0 {
				return fmt.Errorf("channels.%s.gateways[%d]: rates must be >= 0", medium, i)
			}
		}
	}

	b := cfg.Broadcast
	if b.FlushEvery < 0 || b.PushBatchSize < 0 || b.SMSMaxChars < 0 || b.TestMaxRecipients < 0 {
		return fmt.Errorf("broadcast: values must be >= 0")
	}
	if b.TestMaxRecipients > 5 {
		return fmt.Errorf("broadcast.test_max_recipients must be <= 5")
	}
	return nil
}

// EffectiveName is the gateway name, falling back to the provider key.
func (g GatewayConfig) EffectiveName() string {
	if n := strings.TrimSpace(g.Name); n != "" {
		return n
	}
	return strings.TrimSpace(g.Provider)
}
