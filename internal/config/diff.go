package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "beacon/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging. Secrets (jwt_secret, dsn, gateway
// options, redis password) never appear in attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.jwt_secret_set", strings.TrimSpace(newCfg.HTTP.JWTSecret) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.mode", strings.TrimSpace(newCfg.Dispatch.Mode)),
			logx.String("dispatch.amqp.queue", strings.TrimSpace(newCfg.Dispatch.AMQP.Queue)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.refresh", strings.TrimSpace(newCfg.Health.Refresh)),
			logx.Float64("health.threshold", newCfg.Health.Threshold),
			logx.Int("health.min_samples", newCfg.Health.MinSamples),
			logx.String("health.store", strings.TrimSpace(newCfg.Health.Store)),
		)
	}

	if media := diffChannels(oldCfg.Channels, newCfg.Channels); len(media) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.String("channels.changed", strings.Join(media, ",")))
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.flush_every", newCfg.Broadcast.FlushEvery),
			logx.Int("broadcast.push_batch_size", newCfg.Broadcast.PushBatchSize),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "http", "storage", "dispatch", "channels":
			out = append(out, s)
		}
	}
	return out
}

func diffChannels(oldM, newM map[string]ChannelConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for medium := range set {
		if !reflect.DeepEqual(oldM[medium], newM[medium]) {
			out = append(out, medium)
		}
	}
	sort.Strings(out)
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
