package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	"beacon/internal/eventbus"
	"beacon/internal/task/engine"
	logx "beacon/pkg/logx"

	"github.com/streadway/amqp"
)

type recordingRunner struct {
	mu    sync.Mutex
	tasks []broadcast.DispatchTask
	err   error
	block chan struct{}
	ran   chan struct{}
}

func (r *recordingRunner) RunTask(ctx context.Context, t broadcast.DispatchTask) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	if r.ran != nil {
		r.ran <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return r.err
}

func startLane(t *testing.T) (*engine.Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	lane := engine.New(engine.Config{Enabled: true, Lane: "emergency", Workers: 2}, logx.Nop(), bus)
	lane.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		lane.Stop(ctx)
	})
	return lane, bus
}

func TestTaskKey(t *testing.T) {
	got := TaskKey(broadcast.DispatchTask{BroadcastID: 12, Medium: delivery.SMS})
	if got != "broadcast:12:sms" {
		t.Fatalf("key = %s", got)
	}
}

func TestEngineDispatcherRunsOnceWithoutRetry(t *testing.T) {
	lane, bus := startLane(t)
	failed, unsub := bus.SubscribePrefix("task.failed", 4)
	defer unsub()

	run := &recordingRunner{err: errors.New("store down")}
	d := NewEngine(lane, run, time.Minute, logx.Nop())
	task := broadcast.DispatchTask{BroadcastID: 3, Medium: delivery.Email, Recipients: []broadcast.Recipient{{ID: 1}}}
	if err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case e := <-failed:
		ev := e.Data.(engine.TaskEvent)
		if ev.Error != "store down" || ev.Name != "broadcast.dispatch.email" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task did not run")
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.tasks) != 1 || run.tasks[0].BroadcastID != 3 {
		t.Fatalf("runs = %+v", run.tasks)
	}
}

func TestEngineDispatcherSkipsDuplicateChannel(t *testing.T) {
	lane, _ := startLane(t)
	run := &recordingRunner{block: make(chan struct{}), ran: make(chan struct{}, 4)}
	defer close(run.block)
	d := NewEngine(lane, run, 0, logx.Nop())

	task := broadcast.DispatchTask{BroadcastID: 5, Medium: delivery.SMS}
	if err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("first: %v", err)
	}
	<-run.ran
	if err := d.Dispatch(context.Background(), task); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("duplicate err = %v", err)
	}
	// Another channel of the same broadcast is independent.
	if err := d.Dispatch(context.Background(), broadcast.DispatchTask{BroadcastID: 5, Medium: delivery.Email}); err != nil {
		t.Fatalf("email: %v", err)
	}
}

func TestEngineDispatcherDisabledLane(t *testing.T) {
	lane := engine.New(engine.Config{Lane: "emergency"}, logx.Nop(), nil)
	d := NewEngine(lane, &recordingRunner{}, 0, logx.Nop())
	if err := d.Dispatch(context.Background(), broadcast.DispatchTask{BroadcastID: 1, Medium: delivery.Push}); !errors.Is(err, engine.ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestEncodeTask(t *testing.T) {
	task := broadcast.DispatchTask{BroadcastID: 9, Medium: delivery.Voice, Recipients: []broadcast.Recipient{{ID: 4, Phone: "+15550001111"}}}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	msg, err := encodeTask(task, 9, now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.Priority != 9 || msg.DeliveryMode != amqp.Persistent || msg.Type != messageType || msg.MessageId == "" || msg.Timestamp != now {
		t.Fatalf("publishing = %+v", msg)
	}
	var back broadcast.DispatchTask
	if err := json.Unmarshal(msg.Body, &back); err != nil || back.Recipients[0].Phone != "+15550001111" {
		t.Fatalf("body = %s err=%v", msg.Body, err)
	}
}

func TestAMQPConfigDefaults(t *testing.T) {
	c := AMQPConfig{Priority: 200}.normalize()
	if c.Queue != "emergency" || c.Priority != 9 || c.Prefetch != 4 || c.Timeout != 10*time.Minute {
		t.Fatalf("defaults = %+v", c)
	}
}

type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  int
	failAck bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAck {
		return errors.New("channel closed")
	}
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestConsumerAcksBeforeRunning(t *testing.T) {
	run := &recordingRunner{err: errors.New("boom")}
	c := NewConsumer(AMQPConfig{Timeout: time.Second}, run, logx.Nop())
	ack := &fakeAck{}
	msg, _ := encodeTask(broadcast.DispatchTask{BroadcastID: 2, Medium: delivery.Email}, 9, time.Now())

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: msg.Body})
	if len(ack.acked) != 1 || ack.acked[0] != 7 || ack.nacked != 0 {
		t.Fatalf("ack = %+v", ack)
	}
	if len(run.tasks) != 1 || run.tasks[0].Medium != delivery.Email {
		t.Fatalf("runs = %+v", run.tasks)
	}
}

func TestConsumerDropsBadMessages(t *testing.T) {
	run := &recordingRunner{}
	c := NewConsumer(AMQPConfig{}, run, logx.Nop())

	ack := &fakeAck{}
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{not json")})
	if len(ack.acked) != 1 || len(run.tasks) != 0 {
		t.Fatalf("bad body: ack=%v runs=%d", ack.acked, len(run.tasks))
	}

	// A message that cannot be acked is not run: it may be redelivered.
	ack = &fakeAck{failAck: true}
	msg, _ := encodeTask(broadcast.DispatchTask{BroadcastID: 2, Medium: delivery.SMS}, 9, time.Now())
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: msg.Body})
	if len(run.tasks) != 0 {
		t.Fatal("unacked message ran")
	}
}

type stallRunner struct {
	started   chan struct{}
	abandoned chan string
}

func (r *stallRunner) RunTask(ctx context.Context, t broadcast.DispatchTask) error {
	r.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (r *stallRunner) AbandonTask(_ context.Context, t broadcast.DispatchTask, reason string) {
	r.abandoned <- TaskKey(t) + " " + reason
}

func TestEngineDispatcherReportsAbandonedTasks(t *testing.T) {
	lane := engine.New(engine.Config{Enabled: true, Lane: "emergency", Workers: 1}, logx.Nop(), nil)
	lane.Start(context.Background())

	run := &stallRunner{started: make(chan struct{}, 2), abandoned: make(chan string, 2)}
	d := NewEngine(lane, run, 0, logx.Nop())
	if err := d.Dispatch(context.Background(), broadcast.DispatchTask{BroadcastID: 8, Medium: delivery.Email}); err != nil {
		t.Fatalf("email: %v", err)
	}
	<-run.started
	if err := d.Dispatch(context.Background(), broadcast.DispatchTask{BroadcastID: 8, Medium: delivery.SMS}); err != nil {
		t.Fatalf("sms: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lane.Stop(ctx)

	select {
	case got := <-run.abandoned:
		if got != "broadcast:8:sms lane_stopped" {
			t.Fatalf("abandoned = %q", got)
		}
	default:
		t.Fatal("queued sms task was not abandoned")
	}
}
