package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/config"
	"beacon/internal/delivery"
	"beacon/internal/dispatch"
	"beacon/internal/eventbus"
	"beacon/internal/health"
	"beacon/internal/observability/debug"
	"beacon/internal/storage"
	"beacon/internal/task/engine"
	logx "beacon/pkg/logx"
)

const emergencyLane = "emergency"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN), BusyTimeout: busy, MaxOpen: sc.MaxOpen}, nil
}

// mapEngineConfig builds the emergency lane.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationOrDefault("engine.default_timeout", ec.DefaultTimeout, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	workers := ec.Workers
	if workers <= 0 {
		workers = 4
	}
	return engine.Config{
		Enabled:        true,
		Lane:           emergencyLane,
		Workers:        workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapAMQPConfig(cfg *config.Config) (dispatch.AMQPConfig, error) {
	timeout, err := config.ParseDurationOrDefault("engine.default_timeout", cfg.Engine.DefaultTimeout, 10*time.Minute)
	if err != nil {
		return dispatch.AMQPConfig{}, err
	}
	ac := cfg.Dispatch.AMQP
	if ac.Priority < 0 || ac.Priority > 255 {
		return dispatch.AMQPConfig{}, fmt.Errorf("dispatch.amqp.priority must be within 0..255")
	}
	return dispatch.AMQPConfig{
		URL:      strings.TrimSpace(ac.URL),
		Queue:    strings.TrimSpace(ac.Queue),
		Priority: uint8(ac.Priority),
		Prefetch: ac.Prefetch,
		Timeout:  timeout,
	}, nil
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{
		Refresh:    strings.TrimSpace(cfg.Health.Refresh),
		Threshold:  cfg.Health.Threshold,
		MinSamples: cfg.Health.MinSamples,
	}
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	b := cfg.Broadcast
	return broadcast.Config{
		FlushEvery:        b.FlushEvery,
		PushBatchSize:     b.PushBatchSize,
		SMSMaxChars:       b.SMSMaxChars,
		TestMaxRecipients: b.TestMaxRecipients,
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}

func openHealthStore(cfg *config.Config) (health.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Health.Store)) {
	case "", "memory":
		return health.NewMemoryStore(), nil
	case "redis":
		rc := cfg.Health.Redis
		ttl, err := config.ParseDurationField("health.redis.ttl", rc.TTL)
		if err != nil {
			return nil, err
		}
		return health.NewRedisStore(health.RedisOptions{
			Addr:      strings.TrimSpace(rc.Addr),
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: strings.TrimSpace(rc.KeyPrefix),
			TTL:       ttl,
		})
	default:
		return nil, fmt.Errorf("unknown health.store: %s", cfg.Health.Store)
	}
}

// buildChannels turns config.channels into one Channel per configured medium.
// Disabled gateways are skipped; a medium left without gateways gets no channel.
func buildChannels(cfg *config.Config, reg *delivery.Registry, hs delivery.HealthSource, bus eventbus.Publisher, log logx.Logger) (map[delivery.Medium]*delivery.Channel, error) {
	deps := delivery.Deps{
		Log:        log.With(logx.String("comp", "gateway")),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	out := make(map[delivery.Medium]*delivery.Channel, len(delivery.Media))
	for _, m := range delivery.Media {
		cc, ok := cfg.Channels[string(m)]
		if !ok {
			continue
		}
		var gateways []delivery.Gateway
		for i, g := range cc.Gateways {
			if g.Disabled {
				continue
			}
			gw, err := reg.Build(strings.TrimSpace(g.Provider), delivery.GatewaySpec{
				Name:        g.EffectiveName(),
				Medium:      m,
				RatePerSec:  g.RatePerSec,
				RatePerHour: g.RatePerHour,
				Options:     g.Options,
			}, deps)
			if err != nil {
				return nil, fmt.Errorf("channels.%s.gateways[%d]: %w", m, i, err)
			}
			gateways = append(gateways, gw)
		}
		if len(gateways) == 0 {
			log.Warn("channel has no enabled gateways", logx.String("medium", string(m)))
			continue
		}
		opts := []delivery.ChannelOption{
			delivery.WithPublisher(bus),
			delivery.WithChannelLogger(log),
		}
		if hs != nil {
			opts = append(opts, delivery.WithHealthSource(hs))
		}
		if cc.NativeBatch != nil {
			opts = append(opts, delivery.WithNativeBatch(*cc.NativeBatch))
		}
		out[m] = delivery.NewChannel(m, gateways, opts...)
	}
	return out, nil
}
