package broadcast

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"beacon/internal/delivery"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu          sync.Mutex
	actors      []AuthorizedActor
	broadcasts  map[int64]*Broadcast
	subscribers []memSubscriber
	audit       []AuditEntry
	seq         int64
	addSent     []int64 // every AddSent n, in call order
}

type memSubscriber struct {
	Recipient
	Active      bool
	Communities []int64
}

func newMemStore() *memStore {
	return &memStore{broadcasts: map[int64]*Broadcast{}}
}

func (m *memStore) ActorRecords(_ context.Context, userID int64) ([]AuthorizedActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuthorizedActor
	for _, a := range m.actors {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateBroadcast(_ context.Context, b *Broadcast, audit ...AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	b.ID = m.seq
	cp := *b
	m.broadcasts[b.ID] = &cp
	for _, e := range audit {
		e.BroadcastID = b.ID
		m.audit = append(m.audit, e)
	}
	return nil
}

func (m *memStore) GetBroadcast(_ context.Context, id int64) (*Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBroadcasts(_ context.Context, f ListFilter) ([]Broadcast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Broadcast
	for _, b := range m.broadcasts {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

func (m *memStore) ActiveRecipients(_ context.Context, communityIDs []int64) ([]Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Recipient
	for _, s := range m.subscribers {
		if !s.Active {
			continue
		}
		for _, c := range s.Communities {
			if slices.Contains(communityIDs, c) {
				out = append(out, s.Recipient)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkSending(_ context.Context, id, total int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != StatusAuthorized {
		return false, nil
	}
	b.Status, b.TotalRecipients, b.SendingStartedAt = StatusSending, total, at
	return true, nil
}

func (m *memStore) Cancel(_ context.Context, id int64, from []Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, b.Status) {
		return false, nil
	}
	b.Status = StatusCancelled
	return true, nil
}

func (m *memStore) counters(id int64, med delivery.Medium) (*Counters, error) {
	b, ok := m.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch med {
	case delivery.Email:
		return &b.Email, nil
	case delivery.SMS:
		return &b.SMS, nil
	case delivery.Push:
		return &b.Push, nil
	case delivery.Voice:
		return &b.Voice, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) SetQueued(_ context.Context, id int64, med delivery.Medium, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.counters(id, med)
	if err != nil {
		return err
	}
	c.Queued = n
	return nil
}

func (m *memStore) AddSent(_ context.Context, id int64, med delivery.Medium, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.counters(id, med)
	if err != nil {
		return err
	}
	c.Sent += n
	m.addSent = append(m.addSent, n)
	return nil
}

func (m *memStore) AddDelivered(_ context.Context, id int64, med delivery.Medium, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.counters(id, med)
	if err != nil {
		return err
	}
	c.Delivered += n
	return nil
}

func (m *memStore) ChannelDone(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	b.ChannelsDone++
	return m.completeLocked(b, at), nil
}

func (m *memStore) CompleteIfDone(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return false, ErrNotFound
	}
	return m.completeLocked(b, at), nil
}

func (m *memStore) completeLocked(b *Broadcast, at time.Time) bool {
	if b.Status != StatusSending || b.ChannelsDone < len(b.Media()) {
		return false
	}
	b.Status, b.CompletedAt = StatusSent, at
	return true
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) AuditTrail(_ context.Context, id int64) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].BroadcastID == id {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func (m *memStore) actions(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.audit {
		if e.BroadcastID == id {
			out = append(out, e.Action)
		}
	}
	return out
}

// captureDispatcher records tasks without running them.
type captureDispatcher struct {
	mu    sync.Mutex
	tasks []DispatchTask
	fail  map[delivery.Medium]error
}

func (d *captureDispatcher) Dispatch(_ context.Context, t DispatchTask) error {
	if err := d.fail[t.Medium]; err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, t)
	return nil
}

// fakeSender succeeds for every address except those listed in fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []delivery.OutboundMessage
	fail map[string]bool
	bulk int
}

func (f *fakeSender) Send(_ context.Context, msg delivery.OutboundMessage) delivery.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.fail[msg.To()] || strings.TrimSpace(msg.To()) == "" {
		return delivery.SendResult{GatewayResult: delivery.Failed("rejected %s", msg.To()), Gateway: "fake"}
	}
	return delivery.SendResult{GatewayResult: delivery.GatewayResult{Success: true, ExternalID: "x"}, Gateway: "fake"}
}

func (f *fakeSender) SendBulk(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.SendResult {
	f.mu.Lock()
	f.bulk++
	f.mu.Unlock()
	out := make([]delivery.SendResult, len(msgs))
	for i, m := range msgs {
		out[i] = f.Send(ctx, m)
	}
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
