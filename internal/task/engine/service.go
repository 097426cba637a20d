package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/eventbus"
	logx "beacon/pkg/logx"

	rtsup "beacon/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Publisher

	q chan queuedTask

	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Publisher) *Service {
	cfg = normalize(cfg)
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "taskengine"), logx.String("lane", cfg.Lane)),
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.Lane) == "" {
		cfg.Lane = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the lane's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the lane config. Worker or queue changes restart the workers;
// queued tasks of the old queue are dropped through OnDrop, so callers apply
// only at idle.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalize(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the process down with it.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		q := s.q
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		atomic.StoreInt32(&s.inFlight, 0)
		s.abandon(q)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
//
// Use Submit() when you want backpressure instead of dropping.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}

	var st *RunState
	track := false
	if t.Opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Key, t.Name)
		track = true
		if !st.tryAcquire() {
			s.publish("task.skipped", now, TaskEvent{ID: t.ID, Lane: cfg.Lane, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				st.release()
			}
			s.onQueueFullDropped(now, t, q, cfg.Lane)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Lane:             cfg.Lane,
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

// abandon drains tasks left in a stopped queue.
func (s *Service) abandon(q chan queuedTask) {
	if q == nil {
		return
	}
	for {
		select {
		case qt := <-q:
			if qt.track {
				qt.state.release()
			}
			s.log.Warn("task abandoned: lane stopped", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
			notifyDrop(qt.task, "lane_stopped")
		default:
			return
		}
	}
}

func (s *Service) stateFor(key, name string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		key = strings.TrimSpace(name)
	}

	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) appendHistory(item HistoryItem, limit int) {
	if limit <= 0 {
		limit = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask, lane string) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)

	s.publish("task.dropped", now, TaskEvent{ID: t.ID, Lane: lane, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration, lane string) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)

	s.publish("task.dropped", now, TaskEvent{ID: t.ID, Lane: lane, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
