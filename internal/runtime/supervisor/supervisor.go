package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "beacon/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context.
//   - Named goroutines (for logging)
//   - Panic recovery
//   - Optional cancel-on-first-error
//   - Restart loops with jittered exponential backoff
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started uint64
	active  int64
	panics  uint64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters (operational signal only).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Panics:  atomic.LoadUint64(&s.panics),
	}
}

// Go runs fn once. Panics are recovered and recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer func() {
			if r := recover(); r != nil {
				atomic.AddUint64(&s.panics, 1)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				s.fail(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	publishFirstErr bool
}

// WithRestartBackoff configures the exponential backoff window used between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits the number of restarts before giving up.
// The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError sets the supervisor Err on the first observed error/panic
// while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// GoRestart runs fn and restarts it on error/panic until the context is canceled.
// A nil return is a clean stop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := cfg.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return nil
			}
			startedAt := time.Now()

			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						atomic.AddUint64(&s.panics, 1)
						s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
						err = fmt.Errorf("panic: %v", r)
					}
				}()
				return fn(ctx)
			}()

			// Shutdown wins over whatever fn returned.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				return nil
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			if cfg.publishFirstErr {
				s.setErr(wrapped)
			}

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return wrapped
			}

			wait := backoff
			if j := time.Duration(int64(wait) / 5); j > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(j+1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
