package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/delivery"
	"beacon/internal/eventbus"
	"beacon/internal/runtime/supervisor"
	logx "beacon/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	// Refresh is a cron spec; 5/6-field and descriptors ("@every 30s") are accepted.
	Refresh    string
	Threshold  float64
	MinSamples int
}

func (c Config) normalize() Config {
	if strings.TrimSpace(c.Refresh) == "" {
		c.Refresh = "@every 30s"
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.8
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	return c
}

type snapshot map[Key]delivery.ChannelHealth

// Tracker folds delivery.result events into a Store and, on its cron
// schedule, recomputes the snapshot that Lookup serves. Lookup never touches
// the Store.
type Tracker struct {
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	parser cron.Parser

	cfg  atomic.Pointer[Config]
	snap atomic.Pointer[snapshot]

	mu      sync.Mutex
	pending map[Key]map[int64]*Bucket
	known   map[Key]struct{}

	runMu   sync.Mutex
	c       *cron.Cron
	entryID cron.EntryID
	sup     *supervisor.Supervisor
	unsub   func()
}

func NewTracker(cfg Config, store Store, bus eventbus.Bus, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "health")),
		now:     time.Now,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pending: map[Key]map[int64]*Bucket{},
		known:   map[Key]struct{}{},
	}
	n := cfg.normalize()
	t.cfg.Store(&n)
	empty := snapshot{}
	t.snap.Store(&empty)
	return t
}

// Validate checks a refresh spec without applying it.
func (t *Tracker) Validate(cfg Config) error {
	n := cfg.normalize()
	if _, err := t.parser.Parse(n.Refresh); err != nil {
		return fmt.Errorf("health refresh %q: %w", n.Refresh, err)
	}
	return nil
}

// Lookup implements delivery.HealthSource.
func (t *Tracker) Lookup(medium delivery.Medium, gateway string) (delivery.ChannelHealth, bool) {
	s := *t.snap.Load()
	h, ok := s[Key{Medium: medium, Gateway: gateway}]
	return h, ok
}

// Snapshot returns a copy of the last computed health per gateway.
func (t *Tracker) Snapshot() map[Key]delivery.ChannelHealth {
	s := *t.snap.Load()
	out := make(map[Key]delivery.ChannelHealth, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Observe counts one delivery outcome. It only touches memory.
func (t *Tracker) Observe(ev delivery.ResultEvent) {
	at := ev.At
	if at.IsZero() {
		at = t.now()
	}
	k := Key{Medium: ev.Medium, Gateway: ev.Gateway}
	minute := at.Unix() / 60

	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[k] = struct{}{}
	m := t.pending[k]
	if m == nil {
		m = map[int64]*Bucket{}
		t.pending[k] = m
	}
	b := m[minute]
	if b == nil {
		b = &Bucket{Minute: minute}
		m[minute] = b
	}
	if ev.Success {
		b.OK++
	} else {
		b.Failed++
	}
	b.LatencyMS += ev.Latency.Milliseconds()
}

// Refresh flushes pending counts to the store and recomputes the snapshot.
// A store error keeps the previous snapshot.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = map[Key]map[int64]*Bucket{}
	keys := make(map[Key]struct{}, len(t.known))
	for k := range t.known {
		keys[k] = struct{}{}
	}
	t.mu.Unlock()

	var firstErr error
	for k, buckets := range pending {
		for _, b := range buckets {
			if err := t.store.Add(ctx, k, *b); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("health store add %s: %w", k, err)
			}
		}
	}

	stored, err := t.store.Keys(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("health store keys: %w", err)
		}
	}
	for _, k := range stored {
		keys[k] = struct{}{}
	}

	cfg := *t.cfg.Load()
	now := t.now()
	since := now.Add(-Window).Unix() / 60
	next := make(snapshot, len(keys))
	prev := *t.snap.Load()
	for k := range keys {
		buckets, err := t.store.Buckets(ctx, k, since)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("health store read %s: %w", k, err)
			}
			if h, ok := prev[k]; ok {
				next[k] = h
			}
			continue
		}
		next[k] = compute(buckets, now, cfg)
	}
	t.snap.Store(&next)
	return firstErr
}

// compute derives gateway health. No samples means a rate of 1; too few
// samples in the last hour keeps the gateway healthy.
func compute(buckets []Bucket, now time.Time, cfg Config) delivery.ChannelHealth {
	hourAgo := now.Add(-time.Hour).Unix() / 60
	var ok1, n1, ok24, n24, lat1, lat24 int64
	for _, b := range buckets {
		ok24 += b.OK
		n24 += b.total()
		lat24 += b.LatencyMS
		if b.Minute > hourAgo {
			ok1 += b.OK
			n1 += b.total()
			lat1 += b.LatencyMS
		}
	}
	h := delivery.ChannelHealth{SuccessRate1h: ratio(ok1, n1), SuccessRate24h: ratio(ok24, n24)}
	switch {
	case n1 > 0:
		h.AvgLatency = time.Duration(lat1/n1) * time.Millisecond
	case n24 > 0:
		h.AvgLatency = time.Duration(lat24/n24) * time.Millisecond
	}
	h.Healthy = n1 < int64(cfg.MinSamples) || h.SuccessRate1h >= cfg.Threshold
	return h
}

func ratio(ok, n int64) float64 {
	if n == 0 {
		return 1
	}
	return float64(ok) / float64(n)
}

// Start subscribes to delivery results and schedules Refresh.
func (t *Tracker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.c != nil {
		return nil
	}
	cfg := *t.cfg.Load()
	sched, err := t.parser.Parse(cfg.Refresh)
	if err != nil {
		return fmt.Errorf("health refresh %q: %w", cfg.Refresh, err)
	}

	t.sup = supervisor.New(ctx, supervisor.WithLogger(t.log))
	if t.bus != nil {
		ch, unsub := t.bus.SubscribePrefix(delivery.EventResult, 1024)
		t.unsub = unsub
		t.sup.Go("health.consume", func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					if re, ok := ev.Data.(delivery.ResultEvent); ok {
						t.Observe(re)
					}
				}
			}
		})
	}

	t.c = cron.New(cron.WithParser(t.parser))
	t.entryID = t.c.Schedule(sched, cron.FuncJob(t.refreshJob(t.sup.Context())))
	t.c.Start()
	t.log.Info("health tracker started", logx.String("refresh", cfg.Refresh), logx.Float64("threshold", cfg.Threshold))
	return nil
}

func (t *Tracker) refreshJob(ctx context.Context) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := t.Refresh(rctx); err != nil {
			t.log.Warn("health refresh failed", logx.Err(err))
		}
	}
}

// Apply updates thresholds live and reschedules the refresh job when its spec changed.
func (t *Tracker) Apply(cfg Config) error {
	n := cfg.normalize()
	sched, err := t.parser.Parse(n.Refresh)
	if err != nil {
		return fmt.Errorf("health refresh %q: %w", n.Refresh, err)
	}
	old := t.cfg.Swap(&n)

	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.c != nil && old.Refresh != n.Refresh {
		t.c.Remove(t.entryID)
		t.entryID = t.c.Schedule(sched, cron.FuncJob(t.refreshJob(t.sup.Context())))
		t.log.Info("health refresh rescheduled", logx.String("refresh", n.Refresh))
	}
	return nil
}

// Stop halts the schedule, waits for a running refresh, and closes the store.
func (t *Tracker) Stop(ctx context.Context) error {
	t.runMu.Lock()
	c, sup, unsub := t.c, t.sup, t.unsub
	t.c, t.sup, t.unsub = nil, nil, nil
	t.runMu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if unsub != nil {
		unsub()
	}
	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	if cerr := t.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
