package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls one execution lane.
//
// The app layer maps config.engine into this struct. A lane never retries:
// every task runs exactly once or is dropped.
type Config struct {
	Enabled bool
	// Lane names the instance in logs and task events ("emergency").
	Lane      string
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap OverlapPolicy
}

// RunState tracks whether a task key is already queued or in-flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Lane       string        `json:"lane"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Key gates OverlapSkipIfRunning; it defaults to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	// OnDrop runs when an accepted task is discarded without running:
	// stale in the queue, or still queued when the lane stops.
	OnDrop func(reason string)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Lane     string
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
