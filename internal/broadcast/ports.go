package broadcast

import (
	"context"
	"time"

	"beacon/internal/delivery"
)

// Store is the persistence the orchestrator needs. Counter methods must be
// single-statement increments; status changes must be conditional updates
// that report whether they applied.
type Store interface {
	ActorRecords(ctx context.Context, userID int64) ([]AuthorizedActor, error)

	// CreateBroadcast inserts b, sets b.ID and appends audit in one transaction.
	CreateBroadcast(ctx context.Context, b *Broadcast, audit ...AuditEntry) error
	GetBroadcast(ctx context.Context, id int64) (*Broadcast, error)
	ListBroadcasts(ctx context.Context, f ListFilter) ([]Broadcast, error)

	// ActiveRecipients returns distinct active subscribers of any community.
	ActiveRecipients(ctx context.Context, communityIDs []int64) ([]Recipient, error)

	// MarkSending moves authorized -> sending, freezing total and start time.
	MarkSending(ctx context.Context, id, total int64, at time.Time) (bool, error)
	// Cancel moves any of from -> cancelled.
	Cancel(ctx context.Context, id int64, from []Status) (bool, error)

	SetQueued(ctx context.Context, id int64, m delivery.Medium, n int64) error
	AddSent(ctx context.Context, id int64, m delivery.Medium, n int64) error
	AddDelivered(ctx context.Context, id int64, m delivery.Medium, n int64) error

	// ChannelDone counts one finished channel and moves sending -> sent once
	// every enabled channel is done. completed is true for the one call
	// that made the transition.
	ChannelDone(ctx context.Context, id int64, at time.Time) (completed bool, err error)
	// CompleteIfDone applies the same completion check without counting.
	CompleteIfDone(ctx context.Context, id int64, at time.Time) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditTrail(ctx context.Context, broadcastID int64) ([]AuditEntry, error)
}

// Dispatcher hands a task to the emergency lane. It must not run the task
// inline or retry it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task DispatchTask) error
}

// Sender is the channel surface used by dispatch tasks.
type Sender interface {
	Send(ctx context.Context, msg delivery.OutboundMessage) delivery.SendResult
	SendBulk(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.SendResult
}
