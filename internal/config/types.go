package config

// Config is the root of config.json / config.yaml.
//
// String values may reference the environment as ${NAME}; see expandEnv.
type Config struct {
	Logging   LoggingConfig            `json:"logging"`
	HTTP      HTTPConfig               `json:"http"`
	Storage   StorageConfig            `json:"storage"`
	Engine    EngineConfig             `json:"engine"`
	Dispatch  DispatchConfig           `json:"dispatch"`
	Health    HealthConfig             `json:"health"`
	Channels  map[string]ChannelConfig `json:"channels"`
	Broadcast BroadcastConfig          `json:"broadcast"`
	Debug     DebugConfig              `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operator API.
//
// JWTSecret signs HS256 bearer tokens (never logged).
type HTTPConfig struct {
	Addr            string `json:"addr"` // default ":8080"
	JWTSecret       string `json:"jwt_secret"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig selects the relational backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./beacon.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxOpen     int    `json:"max_open,omitempty"`     // postgres only
}

// EngineConfig controls the in-process emergency lane.
//
// Defaults:
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "10m"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//
// There is no retry knob: emergency dispatch tasks run exactly once.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatchConfig selects where dispatch tasks run.
//
//	mode "engine": in-process emergency lane (default)
//	mode "amqp":   RabbitMQ queue consumed by `beacon -mode=worker`
type DispatchConfig struct {
	Mode string     `json:"mode"`
	AMQP AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue,omitempty"`    // default "emergency"
	Priority int    `json:"priority,omitempty"` // default 9
	Prefetch int    `json:"prefetch,omitempty"` // default 4
}

// HealthConfig controls the channel health tracker.
type HealthConfig struct {
	// Refresh is a robfig/cron spec (default "@every 30s").
	Refresh    string      `json:"refresh,omitempty"`
	Threshold  float64     `json:"threshold,omitempty"`   // default 0.8
	MinSamples int         `json:"min_samples,omitempty"` // default 5
	Store      string      `json:"store,omitempty"`       // "memory" (default) or "redis"
	Redis      RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"` // default "beacon:health"
	TTL       string `json:"ttl,omitempty"`        // default "48h"
}

// ChannelConfig configures one medium (email, sms, push, voice).
//
// Gateways are tried in order; the first is the default.
// NativeBatch nil means the medium default (push only).
type ChannelConfig struct {
	Gateways    []GatewayConfig `json:"gateways"`
	NativeBatch *bool           `json:"native_batch,omitempty"`
}

// GatewayConfig binds a provider factory to its settings.
//
// Options are provider-specific (api_key, host, url, ...). Secrets belong in
// the environment and are referenced as ${NAME}.
type GatewayConfig struct {
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	Disabled    bool              `json:"disabled,omitempty"`
	RatePerSec  float64           `json:"rate_per_sec,omitempty"`
	RatePerHour int               `json:"rate_per_hour,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// BroadcastConfig tunes rendering and dispatch of emergency broadcasts.
type BroadcastConfig struct {
	FlushEvery        int `json:"flush_every,omitempty"`         // default 10
	PushBatchSize     int `json:"push_batch_size,omitempty"`     // default 100
	SMSMaxChars       int `json:"sms_max_chars,omitempty"`       // default 160
	TestMaxRecipients int `json:"test_max_recipients,omitempty"` // default 5
}

// DebugConfig controls the diagnostics listener (pprof, lane and health
// snapshots). It is applied live on reload.
//
// Binding to a non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
