package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "beacon/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if qt.track {
		defer qt.state.release()
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay, cfg.Lane)
		notifyDrop(qt.task, "stale_queue_delay")
		s.appendHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"}, cfg.HistorySize)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", start, TaskEvent{ID: qt.task.ID, Lane: cfg.Lane, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	err := s.runTask(runCtx, qt.task)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Lane: cfg.Lane, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish("task.failed", time.Now(), ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish("task.finished", time.Now(), ev)
	}
	s.appendHistory(item, cfg.HistorySize)
}

// runTask makes the single attempt. A panicking task becomes a failure; the
// worker survives.
func (s *Service) runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}

func notifyDrop(t Task, reason string) {
	if t.OnDrop == nil {
		return
	}
	defer func() { _ = recover() }()
	t.OnDrop(reason)
}
