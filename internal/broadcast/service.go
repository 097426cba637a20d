// Package broadcast orchestrates emergency broadcasts: authorization, the
// authorized -> sending -> sent lifecycle, parallel per-channel dispatch and
// the audit trail.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"beacon/internal/delivery"
	"beacon/internal/eventbus"
	logx "beacon/pkg/logx"
)

// Event types published on the bus.
const (
	EventCreated     = "broadcast.created"
	EventAuthorized  = "broadcast.authorized"
	EventSendStarted = "broadcast.send_started"
	EventCancelled   = "broadcast.cancelled"
	EventCompleted   = "broadcast.completed"
	EventTestSent    = "broadcast.test_sent"
)

// MaxTestRecipients caps a test send; Config can lower it, never raise it.
const MaxTestRecipients = 5

type Config struct {
	FlushEvery        int // sent-counter flush interval, in successes
	PushBatchSize     int
	SMSMaxChars       int
	TestMaxRecipients int
}

func (c Config) normalize() Config {
	if c.FlushEvery <= 0 {
		c.FlushEvery = 10
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = 100
	}
	if c.SMSMaxChars <= 0 {
		c.SMSMaxChars = 160
	}
	if c.TestMaxRecipients <= 0 || c.TestMaxRecipients > MaxTestRecipients {
		c.TestMaxRecipients = MaxTestRecipients
	}
	return c
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option      { return func(s *Service) { s.dispatcher = d } }
func WithPublisher(p eventbus.Publisher) Option { return func(s *Service) { s.bus = p } }
func WithLogger(l logx.Logger) Option         { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }
func WithConfig(c Config) Option {
	return func(s *Service) { n := c.normalize(); s.cfg.Store(&n) }
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	channels   map[delivery.Medium]Sender
	bus        eventbus.Publisher
	log        logx.Logger
	now        func() time.Time
	cfg        atomic.Pointer[Config]
}

func New(store Store, channels map[delivery.Medium]Sender, opts ...Option) *Service {
	s := &Service{store: store, channels: channels, now: time.Now}
	def := Config{}.normalize()
	s.cfg.Store(&def)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "broadcast"))
	return s
}

// SetDispatcher wires the lane after construction; the lane usually needs
// RunTask from this service.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// Apply swaps tunables on config reload.
func (s *Service) Apply(c Config) {
	n := c.normalize()
	s.cfg.Store(&n)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// Create authorizes the actor and persists an authorized broadcast with its
// created and authorized audit entries. A rejected actor is audited and
// nothing is persisted.
func (s *Service) Create(ctx context.Context, actor Actor, meta RequestMeta, in CreateInput, pin string) (*Broadcast, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	communities := dedupe(in.CommunityIDs)

	rec, err := s.authorizeEmergency(ctx, actor, communities, pin)
	if err != nil {
		var ae *AuthorizationError
		if errors.As(err, &ae) {
			s.rejected(ctx, actor, meta, 0, ae, map[string]any{
				"communities": communities,
				"title":       in.Title,
			})
		}
		return nil, err
	}

	code, err := newAuthCode()
	if err != nil {
		return nil, fmt.Errorf("authorization code: %w", err)
	}
	now := s.now()
	name := rec.Name
	if name == "" {
		name = actor.Name
	}
	b := &Broadcast{
		Title:             strings.TrimSpace(in.Title),
		Message:           in.Message,
		Instructions:      in.Instructions,
		Category:          in.Category,
		Severity:          in.Severity,
		CommunityIDs:      communities,
		SendEmail:         flag(in.SendEmail, true),
		SendSMS:           flag(in.SendSMS, true),
		SendPush:          flag(in.SendPush, true),
		SendVoice:         flag(in.SendVoice, false),
		AuthorizedBy:      actor.UserID,
		AuthorizerName:    name,
		AuthorizerTitle:   rec.Title,
		AuthorizationCode: code,
		AuthorizedAt:      now,
		Status:            StatusAuthorized,
		CreatedAt:         now,
	}
	err = s.store.CreateBroadcast(ctx, b,
		s.entry(actor, meta, ActionCreated, map[string]any{"communities": communities}),
		s.entry(actor, meta, ActionAuthorized, map[string]any{"authorization_code": code}),
	)
	if err != nil {
		return nil, fmt.Errorf("persist broadcast: %w", err)
	}

	s.log.Info("emergency broadcast authorized",
		logx.Int64("broadcast_id", b.ID),
		logx.Int64("user_id", actor.UserID),
		logx.String("category", string(b.Category)),
		logx.String("severity", string(b.Severity)),
		logx.String("code", code),
	)
	s.publish(EventCreated, b)
	s.publish(EventAuthorized, b)
	return b, nil
}

// Send resolves recipients, moves the broadcast to sending and hands one task
// per enabled channel to the dispatcher. It does not wait for delivery.
func (s *Service) Send(ctx context.Context, actor Actor, meta RequestMeta, id int64) (DispatchSummary, error) {
	if s.dispatcher == nil {
		return DispatchSummary{}, errors.New("broadcast: no dispatcher configured")
	}
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return DispatchSummary{}, err
	}
	if b.Status != StatusAuthorized {
		return DispatchSummary{}, &PreconditionError{Op: "send", Status: b.Status}
	}

	recipients, err := s.store.ActiveRecipients(ctx, b.CommunityIDs)
	if err != nil {
		return DispatchSummary{}, fmt.Errorf("resolve recipients: %w", err)
	}
	total := int64(len(recipients))
	started := s.now()
	ok, err := s.store.MarkSending(ctx, id, total, started)
	if err != nil {
		return DispatchSummary{}, fmt.Errorf("mark sending: %w", err)
	}
	if !ok {
		// Lost a race with another send or a cancel.
		cur, gerr := s.store.GetBroadcast(ctx, id)
		if gerr != nil {
			return DispatchSummary{}, gerr
		}
		return DispatchSummary{}, &PreconditionError{Op: "send", Status: cur.Status}
	}
	b.Status, b.TotalRecipients, b.SendingStartedAt = StatusSending, total, started

	media := b.Media()
	names := make([]string, len(media))
	for i, m := range media {
		names[i] = string(m)
	}
	s.audit(ctx, s.entry(actor, meta, ActionSendStarted, map[string]any{
		"total_recipients": total,
		"channels":         names,
	}), id)
	s.publish(EventSendStarted, b)

	summary := DispatchSummary{BroadcastID: id, TotalRecipients: total}
	for _, m := range media {
		task := DispatchTask{BroadcastID: id, Medium: m, Recipients: recipients}
		cd := ChannelDispatch{Medium: m}
		if err := s.dispatcher.Dispatch(ctx, task); err != nil {
			cd.Error = err.Error()
			s.log.Error("dispatch failed", logx.Int64("broadcast_id", id), logx.String("medium", string(m)), logx.Err(err))
			s.audit(ctx, s.entry(actor, meta, ActionDispatchFailed, map[string]any{
				"medium": string(m),
				"error":  err.Error(),
			}), id)
			s.channelFinished(ctx, id, m)
		}
		summary.Channels = append(summary.Channels, cd)
	}
	if len(media) == 0 {
		if done, err := s.store.CompleteIfDone(ctx, id, s.now()); err != nil {
			s.log.Warn("complete broadcast failed", logx.Int64("broadcast_id", id), logx.Err(err))
		} else if done {
			s.completed(ctx, id)
		}
	}

	s.log.Info("emergency broadcast dispatched",
		logx.Int64("broadcast_id", id),
		logx.Int64("recipients", total),
		logx.Int("channels", len(media)),
	)
	return summary, nil
}

// Cancel is only possible before Send.
func (s *Service) Cancel(ctx context.Context, actor Actor, meta RequestMeta, id int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{Field: "reason", Msg: "is required"}
	}
	if len(reason) > 500 {
		return &ValidationError{Field: "reason", Msg: "must be at most 500 characters"}
	}
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return err
	}
	if !isCancellable(b.Status) {
		return &PreconditionError{Op: "cancel", Status: b.Status}
	}
	ok, err := s.store.Cancel(ctx, id, cancellable)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		cur, gerr := s.store.GetBroadcast(ctx, id)
		if gerr != nil {
			return gerr
		}
		return &PreconditionError{Op: "cancel", Status: cur.Status}
	}
	b.Status = StatusCancelled

	s.audit(ctx, s.entry(actor, meta, ActionCancelled, map[string]any{
		"reason":       reason,
		"cancelled_by": actor.UserID,
	}), id)
	s.log.Info("emergency broadcast cancelled", logx.Int64("broadcast_id", id), logx.Int64("user_id", actor.UserID))
	s.publish(EventCancelled, b)
	return nil
}

// SendTest emails a marked test copy to at most TestMaxRecipients addresses.
// Extra addresses are dropped before validation. It ignores the lifecycle
// status and never touches counters.
func (s *Service) SendTest(ctx context.Context, actor Actor, meta RequestMeta, id int64, recipients []string) (TestResult, error) {
	if _, err := s.authorizeTest(ctx, actor); err != nil {
		var ae *AuthorizationError
		if errors.As(err, &ae) {
			s.rejected(ctx, actor, meta, id, ae, map[string]any{"operation": "send_test"})
		}
		return TestResult{}, err
	}

	limit := s.config().TestMaxRecipients
	if len(recipients) > limit {
		recipients = recipients[:limit]
	}
	for _, addr := range recipients {
		if !delivery.ValidAddress(delivery.Email, addr) {
			return TestResult{}, &ValidationError{Field: "recipients", Msg: "has invalid email address: " + addr}
		}
	}

	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	res := TestResult{IsTest: true, RecipientCount: len(recipients)}
	s.audit(ctx, s.entry(actor, meta, ActionTestSent, map[string]any{"recipients": recipients}), id)

	ch := s.channels[delivery.Email]
	if ch == nil {
		s.log.Warn("test broadcast skipped: no email channel", logx.Int64("broadcast_id", id))
		return res, nil
	}
	html, err := renderEmailHTML(b, true)
	if err != nil {
		return res, fmt.Errorf("render test email: %w", err)
	}
	text := renderEmailText(b, true)
	for _, to := range recipients {
		msg := delivery.NewMessage(to,
			delivery.WithSubject("[TEST] "+b.Title),
			delivery.WithHTML(html),
			delivery.WithText(text),
			delivery.WithMeta("track_opens", "false"),
			delivery.WithMeta("emergency_broadcast_id", strconv.FormatInt(id, 10)),
			delivery.WithMeta("is_test", "true"),
		)
		r := ch.Send(ctx, msg)
		if r.Success {
			res.Sent++
			continue
		}
		s.log.Warn("test email failed", logx.Int64("broadcast_id", id), logx.String("error", r.Error))
	}
	s.publish(EventTestSent, res)
	return res, nil
}

// DeliveryStatus is a read-only progress view.
func (s *Service) DeliveryStatus(ctx context.Context, id int64) (DeliveryStatus, error) {
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return DeliveryStatus{}, err
	}
	st := DeliveryStatus{
		BroadcastID:     b.ID,
		Status:          b.Status,
		TotalRecipients: b.TotalRecipients,
		Email:           channelStatus(b.Email, b.TotalRecipients, false),
		SMS:             channelStatus(b.SMS, b.TotalRecipients, false),
		Push:            channelStatus(b.Push, b.TotalRecipients, false),
		Voice:           channelStatus(b.Voice, b.TotalRecipients, true),
	}
	if !b.SendingStartedAt.IsZero() {
		st.ElapsedSeconds = int64(max(0, s.now().Sub(b.SendingStartedAt).Seconds()))
	}
	return st, nil
}

func channelStatus(c Counters, total int64, voice bool) ChannelStatus {
	cs := ChannelStatus{Queued: c.Queued, Sent: c.Sent, Percent: percent(c.Delivered, total)}
	if voice {
		cs.Answered = c.Delivered
	} else {
		cs.Delivered = c.Delivered
	}
	return cs
}

// percent is part/total*100 rounded to one decimal; 0 when total is 0.
func percent(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}

// RecordReceipt folds provider delivery receipts (voice: answered calls)
// into the counters.
func (s *Service) RecordReceipt(ctx context.Context, id int64, m delivery.Medium, n int64) error {
	if n <= 0 {
		return &ValidationError{Field: "count", Msg: "must be positive"}
	}
	if _, err := delivery.ParseMedium(string(m)); err != nil {
		return &ValidationError{Field: "medium", Msg: err.Error()}
	}
	return s.store.AddDelivered(ctx, id, m, n)
}

func (s *Service) Get(ctx context.Context, id int64) (*Broadcast, error) {
	return s.store.GetBroadcast(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Broadcast, error) {
	return s.store.ListBroadcasts(ctx, f)
}

// AuditTrail returns the broadcast's audit entries, newest first.
func (s *Service) AuditTrail(ctx context.Context, id int64) ([]AuditEntry, error) {
	if _, err := s.store.GetBroadcast(ctx, id); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, id)
}

// channelFinished counts one channel as done and completes the broadcast when
// it was the last one. It runs on a detached context so a killed task still
// reports.
func (s *Service) channelFinished(ctx context.Context, id int64, m delivery.Medium) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	done, err := s.store.ChannelDone(dctx, id, s.now())
	if err != nil {
		s.log.Error("channel completion not recorded", logx.Int64("broadcast_id", id), logx.String("medium", string(m)), logx.Err(err))
		return
	}
	if done {
		s.completed(dctx, id)
	}
}

func (s *Service) completed(ctx context.Context, id int64) {
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		s.log.Warn("load completed broadcast failed", logx.Int64("broadcast_id", id), logx.Err(err))
		return
	}
	s.audit(ctx, AuditEntry{
		Action:   ActionSendCompleted,
		UserName: "system",
		Details: map[string]any{
			"email_sent": b.Email.Sent,
			"sms_sent":   b.SMS.Sent,
			"push_sent":  b.Push.Sent,
			"voice_sent": b.Voice.Sent,
		},
		At: s.now(),
	}, id)
	s.log.Info("emergency broadcast completed", logx.Int64("broadcast_id", id))
	s.publish(EventCompleted, b)
}

func (s *Service) rejected(ctx context.Context, actor Actor, meta RequestMeta, id int64, ae *AuthorizationError, details map[string]any) {
	details["reason"] = ae.Reason
	s.log.Warn("unauthorized emergency broadcast attempt",
		logx.Int64("user_id", actor.UserID),
		logx.String("ip", meta.IP),
		logx.String("reason", ae.Reason),
	)
	s.audit(ctx, s.entry(actor, meta, ActionUnauthorizedAttempt, details), id)
}

func (s *Service) entry(actor Actor, meta RequestMeta, action string, details map[string]any) AuditEntry {
	return AuditEntry{
		Action:    action,
		UserID:    actor.UserID,
		UserName:  actor.Name,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Details:   details,
		At:        s.now(),
	}
}

// audit appends an entry. A failed append is logged, never returned: the
// state change it describes has already happened.
func (s *Service) audit(ctx context.Context, e AuditEntry, broadcastID int64) {
	e.BroadcastID = broadcastID
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, e); err != nil {
		s.log.Error("audit append failed", logx.String("action", e.Action), logx.Int64("broadcast_id", broadcastID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func isCancellable(st Status) bool {
	for _, c := range cancellable {
		if st == c {
			return true
		}
	}
	return false
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
