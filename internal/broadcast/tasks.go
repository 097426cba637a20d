package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"
)

const (
	deliveryPool     = "emergency"
	deliveryPriority = "P0"
)

// RunTask delivers one channel of one broadcast. It runs once: failures of
// single recipients are logged and skipped, and the channel is reported done
// however the task exits.
func (s *Service) RunTask(ctx context.Context, task DispatchTask) error {
	log := s.log.With(logx.Int64("broadcast_id", task.BroadcastID), logx.String("medium", string(task.Medium)))

	b, err := s.store.GetBroadcast(ctx, task.BroadcastID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("dispatch task for missing broadcast dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load broadcast %d: %w", task.BroadcastID, err)
	}
	if b.Status != StatusSending {
		log.Warn("dispatch task skipped", logx.String("status", string(b.Status)))
		return nil
	}
	defer s.channelFinished(ctx, b.ID, task.Medium)

	recipients := make([]Recipient, 0, len(task.Recipients))
	for _, r := range task.Recipients {
		if r.Reachable(task.Medium) {
			recipients = append(recipients, r)
		}
	}
	if err := s.store.SetQueued(ctx, b.ID, task.Medium, int64(len(recipients))); err != nil {
		return fmt.Errorf("set queued: %w", err)
	}

	ch := s.channels[task.Medium]
	if ch == nil {
		log.Error("no channel configured", logx.Int("recipients", len(recipients)))
		return nil
	}

	cfg := s.config()
	t := &tally{s: s, id: b.ID, m: task.Medium, every: cfg.FlushEvery, log: log}
	defer t.flush(ctx)

	start := s.now()
	switch task.Medium {
	case delivery.Push:
		err = s.runPush(ctx, ch, b, recipients, cfg.PushBatchSize, t)
	default:
		err = s.runEach(ctx, ch, b, task.Medium, recipients, cfg, t)
	}
	log.Info("dispatch task finished",
		logx.Int("queued", len(recipients)),
		logx.Int64("sent", t.total),
		logx.Int("failed", t.failed),
		logx.Duration("took", s.now().Sub(start)),
	)
	return err
}

// AbandonTask records a task the lane discarded before it ran and counts its
// channel as finished, so the broadcast can still complete.
func (s *Service) AbandonTask(ctx context.Context, task DispatchTask, reason string) {
	s.log.Error("dispatch task abandoned",
		logx.Int64("broadcast_id", task.BroadcastID),
		logx.String("medium", string(task.Medium)),
		logx.String("reason", reason),
	)
	s.audit(ctx, AuditEntry{
		Action:   ActionDispatchFailed,
		UserName: "system",
		Details:  map[string]any{"medium": string(task.Medium), "error": reason},
		At:       s.now(),
	}, task.BroadcastID)
	s.channelFinished(ctx, task.BroadcastID, task.Medium)
}

func (s *Service) runEach(ctx context.Context, ch Sender, b *Broadcast, m delivery.Medium, recipients []Recipient, cfg Config, t *tally) error {
	build, err := s.builder(b, m, cfg)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := ch.Send(ctx, build(r))
		if res.Success {
			t.add(ctx, 1)
			continue
		}
		t.failed++
		t.log.Warn("delivery failed",
			logx.Int64("recipient_id", r.ID),
			logx.String("gateway", res.Gateway),
			logx.String("error", res.Error),
		)
	}
	return nil
}

// builder renders the broadcast once for m and returns the per-recipient
// message constructor for email, sms and voice.
func (s *Service) builder(b *Broadcast, m delivery.Medium, cfg Config) (func(Recipient) delivery.OutboundMessage, error) {
	var content []delivery.MessageOption
	switch m {
	case delivery.Email:
		html, err := renderEmailHTML(b, false)
		if err != nil {
			return nil, fmt.Errorf("render email: %w", err)
		}
		content = []delivery.MessageOption{
			delivery.WithSubject(subject(b)),
			delivery.WithHTML(html),
			delivery.WithText(renderEmailText(b, false)),
			delivery.WithMeta("track_opens", "true"),
		}
	case delivery.SMS:
		content = []delivery.MessageOption{delivery.WithText(renderSMS(b, cfg.SMSMaxChars))}
	case delivery.Voice:
		content = []delivery.MessageOption{delivery.WithText(renderVoice(b))}
	default:
		return nil, fmt.Errorf("medium %q is not sent per recipient", m)
	}
	return func(r Recipient) delivery.OutboundMessage {
		return delivery.NewMessage(r.Address(m), append(s.baseOptions(b, r), content...)...)
	}, nil
}

// runPush sends device tokens in chunks of size recipients. A recipient
// counts as sent when any of its tokens succeeded.
func (s *Service) runPush(ctx context.Context, ch Sender, b *Broadcast, recipients []Recipient, size int, t *tally) error {
	title, body := renderPush(b)
	for start := 0; start < len(recipients); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := recipients[start:min(start+size, len(recipients))]
		var msgs []delivery.OutboundMessage
		var owner []int
		for i, r := range chunk {
			for _, tok := range r.Tokens() {
				msgs = append(msgs, delivery.NewMessage(tok, append(s.baseOptions(b, r),
					delivery.WithSubject(title),
					delivery.WithText(body),
				)...))
				owner = append(owner, i)
			}
		}
		results := ch.SendBulk(ctx, msgs)
		ok := make([]bool, len(chunk))
		for j, res := range results {
			if j >= len(owner) {
				break
			}
			if res.Success {
				ok[owner[j]] = true
			} else {
				t.log.Debug("push token failed", logx.Int64("recipient_id", chunk[owner[j]].ID), logx.String("error", res.Error))
			}
		}
		for i, sent := range ok {
			if sent {
				t.add(ctx, 1)
				continue
			}
			t.failed++
			t.log.Warn("push delivery failed", logx.Int64("recipient_id", chunk[i].ID))
		}
	}
	return nil
}

func (s *Service) baseOptions(b *Broadcast, r Recipient) []delivery.MessageOption {
	return []delivery.MessageOption{
		delivery.WithPool(deliveryPool),
		delivery.WithPriority(deliveryPriority),
		delivery.WithMeta("emergency_broadcast_id", strconv.FormatInt(b.ID, 10)),
		delivery.WithMeta("recipient_id", strconv.FormatInt(r.ID, 10)),
	}
}

// tally batches sent-counter increments. Flushes use a context detached from
// the task so a timeout still records progress.
type tally struct {
	s       *Service
	id      int64
	m       delivery.Medium
	every   int
	pending int64
	total   int64
	failed  int
	log     logx.Logger
}

func (t *tally) add(ctx context.Context, n int64) {
	t.pending += n
	t.total += n
	if t.pending >= int64(t.every) {
		t.flush(ctx)
	}
}

func (t *tally) flush(ctx context.Context) {
	if t.pending == 0 {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.s.store.AddSent(fctx, t.id, t.m, t.pending); err != nil {
		t.log.Error("sent counter flush failed", logx.Int64("pending", t.pending), logx.Err(err))
		return
	}
	t.pending = 0
}
