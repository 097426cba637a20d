// Package dispatch hands broadcast dispatch tasks to an execution lane: the
// in-process emergency engine or a RabbitMQ queue drained by worker processes.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/task/engine"
	logx "beacon/pkg/logx"

	"github.com/google/uuid"
)

// Runner executes one dispatch task. *broadcast.Service implements it.
type Runner interface {
	RunTask(ctx context.Context, task broadcast.DispatchTask) error
}

// Abandoner is told about tasks the lane discarded without running.
// *broadcast.Service implements it.
type Abandoner interface {
	AbandonTask(ctx context.Context, task broadcast.DispatchTask, reason string)
}

// Lane is the subset of *engine.Service used here.
type Lane interface {
	Submit(ctx context.Context, t engine.Task) error
}

// TaskKey identifies one channel of one broadcast; a key runs at most once
// at a time.
func TaskKey(t broadcast.DispatchTask) string {
	return fmt.Sprintf("broadcast:%d:%s", t.BroadcastID, t.Medium)
}

// EngineDispatcher submits tasks to the in-process emergency lane.
type EngineDispatcher struct {
	lane    Lane
	run     Runner
	timeout time.Duration
	log     logx.Logger
}

// NewEngine returns a dispatcher for lane. timeout 0 uses the lane default.
func NewEngine(lane Lane, run Runner, timeout time.Duration, log logx.Logger) *EngineDispatcher {
	return &EngineDispatcher{lane: lane, run: run, timeout: timeout, log: log.With(logx.String("comp", "dispatch"))}
}

// Dispatch blocks only while the lane queue is full.
func (d *EngineDispatcher) Dispatch(ctx context.Context, task broadcast.DispatchTask) error {
	key := TaskKey(task)
	t := engine.Task{
		ID:      uuid.NewString(),
		Name:    "broadcast.dispatch." + string(task.Medium),
		Key:     key,
		Timeout: d.timeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			return d.run.RunTask(ctx, task)
		},
	}
	if ab, ok := d.run.(Abandoner); ok {
		t.OnDrop = func(reason string) { ab.AbandonTask(context.Background(), task, reason) }
	}
	if err := d.lane.Submit(ctx, t); err != nil {
		return fmt.Errorf("submit %s: %w", key, err)
	}
	d.log.Debug("dispatch task queued", logx.String("key", key), logx.String("id", t.ID), logx.Int("recipients", len(task.Recipients)))
	return nil
}
