package health

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"beacon/internal/delivery"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per gateway: <prefix>:<medium>:<gateway> with
// fields "<minute>:ok", "<minute>:fail" and "<minute>:lat".
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	// Addr is host:port or a redis:// URL.
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

func NewRedisStore(opt RedisOptions) (*RedisStore, error) {
	var ro *redis.Options
	if strings.HasPrefix(opt.Addr, "redis://") || strings.HasPrefix(opt.Addr, "rediss://") {
		parsed, err := redis.ParseURL(opt.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
	} else {
		ro = &redis.Options{Addr: opt.Addr, Password: opt.Password, DB: opt.DB}
	}
	return NewRedisStoreWithClient(redis.NewClient(ro), opt.KeyPrefix, opt.TTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "beacon:health"
	}
	if ttl <= 0 {
		ttl = 2 * Window
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + ":" + string(k.Medium) + ":" + k.Gateway
}

// Ping checks connectivity once at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Add(ctx context.Context, k Key, b Bucket) error {
	rk := s.key(k)
	m := strconv.FormatInt(b.Minute, 10)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if b.OK != 0 {
			p.HIncrBy(ctx, rk, m+":ok", b.OK)
		}
		if b.Failed != 0 {
			p.HIncrBy(ctx, rk, m+":fail", b.Failed)
		}
		if b.LatencyMS != 0 {
			p.HIncrBy(ctx, rk, m+":lat", b.LatencyMS)
		}
		p.Expire(ctx, rk, s.ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Buckets(ctx context.Context, k Key, since int64) ([]Bucket, error) {
	rk := s.key(k)
	data, err := s.client.HGetAll(ctx, rk).Result()
	if err != nil {
		return nil, err
	}
	byMinute := map[int64]*Bucket{}
	var stale []string
	for field, raw := range data {
		minRaw, kind, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		minute, err := strconv.ParseInt(minRaw, 10, 64)
		if err != nil {
			continue
		}
		if minute < since {
			stale = append(stale, field)
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		b := byMinute[minute]
		if b == nil {
			b = &Bucket{Minute: minute}
			byMinute[minute] = b
		}
		switch kind {
		case "ok":
			b.OK = n
		case "fail":
			b.Failed = n
		case "lat":
			b.LatencyMS = n
		}
	}
	if len(stale) > 0 {
		_ = s.client.HDel(ctx, rk, stale...).Err()
	}

	out := make([]Bucket, 0, len(byMinute))
	for _, b := range byMinute {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute < out[j].Minute })
	return out, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]Key, error) {
	var (
		out    []Key
		cursor uint64
	)
	pattern := s.prefix + ":*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		for _, rk := range keys {
			rest := strings.TrimPrefix(rk, s.prefix+":")
			medium, gateway, ok := strings.Cut(rest, ":")
			if !ok || gateway == "" {
				continue
			}
			if _, err := delivery.ParseMedium(medium); err != nil {
				continue
			}
			out = append(out, Key{Medium: delivery.Medium(medium), Gateway: gateway})
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisStore) Close() error { return s.client.Close() }
