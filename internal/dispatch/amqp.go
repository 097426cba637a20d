package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"beacon/internal/broadcast"
	rtsup "beacon/internal/runtime/supervisor"
	logx "beacon/pkg/logx"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const (
	messageType    = "broadcast.dispatch"
	maxPriority    = 9
	defaultQueue   = "emergency"
	defaultFetch   = 4
	defaultTimeout = 10 * time.Minute
)

// AMQPConfig is the broker side of the queue lane.
type AMQPConfig struct {
	URL      string
	Queue    string
	Priority uint8
	// Prefetch is both the broker prefetch and the number of tasks a worker
	// runs at once.
	Prefetch int
	// Timeout bounds one task on the worker side.
	Timeout time.Duration
}

func (c AMQPConfig) normalize() AMQPConfig {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = defaultQueue
	}
	if c.Priority == 0 || c.Priority > maxPriority {
		c.Priority = maxPriority
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaultFetch
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// declareQueue declares the durable priority queue shared by both sides.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(maxPriority)},
	)
	return err
}

func encodeTask(task broadcast.DispatchTask, priority uint8, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         messageType,
		Body:         body,
	}, nil
}

// Publisher is the server-side Dispatcher for the queue lane.
type Publisher struct {
	cfg AMQPConfig
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialPublisher connects and declares the queue.
func DialPublisher(cfg AMQPConfig, log logx.Logger) (*Publisher, error) {
	p := &Publisher{cfg: cfg.normalize(), log: log.With(logx.String("comp", "dispatch.amqp"))}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := declareQueue(ch, p.cfg.Queue); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", p.cfg.Queue, err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Dispatch publishes task as a persistent message. A closed connection is
// redialed once.
func (p *Publisher) Dispatch(ctx context.Context, task broadcast.DispatchTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encodeTask(task, p.cfg.Priority, time.Now())
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}
	err = p.ch.Publish("", p.cfg.Queue, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.Warn("amqp connection closed, redialing")
		_ = p.conn.Close()
		p.conn, p.ch = nil, nil
		if err = p.connect(); err == nil {
			err = p.ch.Publish("", p.cfg.Queue, false, false, msg)
		}
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", TaskKey(task), err)
	}
	p.log.Debug("dispatch task published", logx.String("key", TaskKey(task)), logx.String("message_id", msg.MessageId))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// Consumer drains the queue in worker mode. Messages are acked before the
// task runs, so a crashed worker never delivers a channel twice.
type Consumer struct {
	cfg AMQPConfig
	run Runner
	log logx.Logger
	sup *rtsup.Supervisor
}

func NewConsumer(cfg AMQPConfig, run Runner, log logx.Logger) *Consumer {
	return &Consumer{cfg: cfg.normalize(), run: run, log: log.With(logx.String("comp", "dispatch.amqp"))}
}

// Start consumes until ctx is canceled or Stop is called. Broker failures
// reconnect with backoff.
func (c *Consumer) Start(ctx context.Context) {
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.sup.GoRestart("amqp.consume", c.consume, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	c.log.Info("amqp consumer started", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))
}

func (c *Consumer) Stop(ctx context.Context) error {
	if c.sup == nil {
		return nil
	}
	return c.sup.Stop(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	if err := declareQueue(ch, c.cfg.Queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	var wg sync.WaitGroup
	closed := make(chan struct{})
	var once sync.Once
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					c.handle(ctx, d)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-closed:
	}
	// Closing the connection ends the delivery stream; in-flight tasks finish
	// on their own timeout.
	_ = ch.Close()
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("amqp delivery stream closed")
}

// handle acks first, then runs the task once. Undecodable messages are
// dropped.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Error("amqp ack failed, task not run", logx.String("message_id", d.MessageId), logx.Err(err))
		return
	}
	var task broadcast.DispatchTask
	if err := json.Unmarshal(d.Body, &task); err != nil || task.BroadcastID <= 0 {
		c.log.Error("invalid dispatch message dropped", logx.String("message_id", d.MessageId), logx.Err(err))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	start := time.Now()
	if err := c.run.RunTask(tctx, task); err != nil {
		c.log.Error("dispatch task failed", logx.String("key", TaskKey(task)), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	c.log.Debug("dispatch task done", logx.String("key", TaskKey(task)), logx.Duration("took", time.Since(start)))
}
