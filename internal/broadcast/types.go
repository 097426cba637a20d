package broadcast

import (
	"fmt"
	"strings"
	"time"

	"beacon/internal/delivery"
)

type Category string

const (
	CategoryFire       Category = "fire"
	CategoryFlood      Category = "flood"
	CategoryEarthquake Category = "earthquake"
	CategoryTornado    Category = "tornado"
	CategoryShooter    Category = "shooter"
	CategoryAmber      Category = "amber"
	CategoryShelter    Category = "shelter"
	CategoryEvacuation Category = "evacuation"
	CategoryHealth     Category = "health"
	CategoryOther      Category = "other"
)

// Categories is the display order used by the categories endpoint.
var Categories = []Category{
	CategoryFire, CategoryFlood, CategoryEarthquake, CategoryTornado, CategoryShooter,
	CategoryAmber, CategoryShelter, CategoryEvacuation, CategoryHealth, CategoryOther,
}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

func (c Category) Icon() string {
	switch c {
	case CategoryFire:
		return "🔥"
	case CategoryFlood:
		return "🌊"
	case CategoryTornado:
		return "🌪️"
	case CategoryShooter, CategoryAmber:
		return "🚨"
	default:
		return "⚠️"
	}
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeveritySevere   Severity = "severe"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeveritySevere, SeverityModerate, SeverityMinor:
		return true
	}
	return false
}

// Prefix is the subject keyword: EMERGENCY, ALERT or NOTICE.
func (s Severity) Prefix() string {
	switch s {
	case SeverityCritical:
		return "EMERGENCY"
	case SeveritySevere:
		return "ALERT"
	default:
		return "NOTICE"
	}
}

func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#dc2626"
	case SeveritySevere:
		return "#f59e0b"
	default:
		return "#6b7280"
	}
}

type Status string

const (
	// StatusPending is accepted by Cancel but nothing produces it yet.
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusSending    Status = "sending"
	StatusSent       Status = "sent"
	StatusCancelled  Status = "cancelled"
)

// cancellable lists the statuses Cancel may leave.
var cancellable = []Status{StatusPending, StatusAuthorized}

// Counters are one channel's progress. For voice, Delivered counts answered calls.
type Counters struct {
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
}

// Broadcast is the aggregate root of one emergency alert.
type Broadcast struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Instructions string   `json:"instructions,omitempty"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	CommunityIDs []int64  `json:"community_ids"`

	SendEmail bool `json:"send_email"`
	SendSMS   bool `json:"send_sms"`
	SendPush  bool `json:"send_push"`
	SendVoice bool `json:"send_voice"`

	AuthorizedBy      int64     `json:"authorized_by"`
	AuthorizerName    string    `json:"authorizer_name"`
	AuthorizerTitle   string    `json:"authorizer_title,omitempty"`
	AuthorizationCode string    `json:"authorization_code"`
	AuthorizedAt      time.Time `json:"authorized_at"`

	Status Status `json:"status"`

	Email Counters `json:"email"`
	SMS   Counters `json:"sms"`
	Push  Counters `json:"push"`
	Voice Counters `json:"voice"`

	TotalRecipients  int64     `json:"total_recipients"`
	SendingStartedAt time.Time `json:"sending_started_at,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	ChannelsDone     int       `json:"channels_done"`
	CreatedAt        time.Time `json:"created_at"`
}

// Media lists the enabled channels in fixed order.
func (b *Broadcast) Media() []delivery.Medium {
	out := make([]delivery.Medium, 0, 4)
	if b.SendEmail {
		out = append(out, delivery.Email)
	}
	if b.SendSMS {
		out = append(out, delivery.SMS)
	}
	if b.SendPush {
		out = append(out, delivery.Push)
	}
	if b.SendVoice {
		out = append(out, delivery.Voice)
	}
	return out
}

func (b *Broadcast) Counters(m delivery.Medium) Counters {
	switch m {
	case delivery.Email:
		return b.Email
	case delivery.SMS:
		return b.SMS
	case delivery.Push:
		return b.Push
	case delivery.Voice:
		return b.Voice
	}
	return Counters{}
}

// AuthorizedActor grants one user emergency capabilities in one community.
type AuthorizedActor struct {
	UserID           int64
	CommunityID      int64
	Name             string
	Title            string
	Active           bool
	CanSendEmergency bool
	CanSendTest      bool
	PINHash          string
}

// AuditEntry is append-only. BroadcastID 0 means the action never produced a
// broadcast (rejected create).
type AuditEntry struct {
	ID          int64          `json:"id"`
	BroadcastID int64          `json:"broadcast_id,omitempty"`
	Action      string         `json:"action"`
	UserID      int64          `json:"user_id"`
	UserName    string         `json:"user_name,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}

const (
	ActionCreated             = "created"
	ActionAuthorized          = "authorized"
	ActionUnauthorizedAttempt = "unauthorized_attempt"
	ActionSendStarted         = "send_started"
	ActionSendCompleted       = "send_completed"
	ActionDispatchFailed      = "dispatch_failed"
	ActionCancelled           = "cancelled"
	ActionTestSent            = "test_sent"
)

// Recipient is one subscriber as seen by a dispatch task.
type Recipient struct {
	ID           int64    `json:"id"`
	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	DeviceTokens []string `json:"device_tokens,omitempty"`
}

// Address returns the recipient's address for m, or "" when it has none.
// Push recipients may have several tokens; use Tokens instead.
func (r Recipient) Address(m delivery.Medium) string {
	switch m {
	case delivery.Email:
		return strings.TrimSpace(r.Email)
	case delivery.SMS, delivery.Voice:
		return strings.TrimSpace(r.Phone)
	}
	return ""
}

// Tokens returns the non-empty device tokens.
func (r Recipient) Tokens() []string {
	out := make([]string, 0, len(r.DeviceTokens))
	for _, t := range r.DeviceTokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Reachable reports whether r has a usable address for m.
func (r Recipient) Reachable(m delivery.Medium) bool {
	if m == delivery.Push {
		return len(r.Tokens()) > 0
	}
	return r.Address(m) != ""
}

// Actor is the authenticated caller.
type Actor struct {
	UserID int64
	Name   string
}

// RequestMeta is the request context recorded in audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// CreateInput is the caller's broadcast draft. Nil channel flags take the
// defaults: email, sms and push on, voice off.
type CreateInput struct {
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Instructions string   `json:"instructions"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	CommunityIDs []int64  `json:"community_ids"`
	SendEmail    *bool    `json:"send_email"`
	SendSMS      *bool    `json:"send_sms"`
	SendPush     *bool    `json:"send_push"`
	SendVoice    *bool    `json:"send_voice"`
}

func (in CreateInput) validate() error {
	switch {
	case strings.TrimSpace(in.Title) == "":
		return &ValidationError{Field: "title", Msg: "is required"}
	case len(in.Title) > 255:
		return &ValidationError{Field: "title", Msg: "must be at most 255 characters"}
	case strings.TrimSpace(in.Message) == "":
		return &ValidationError{Field: "message", Msg: "is required"}
	case !in.Category.Valid():
		return &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", in.Category)}
	case !in.Severity.Valid():
		return &ValidationError{Field: "severity", Msg: fmt.Sprintf("unknown severity %q", in.Severity)}
	case len(in.CommunityIDs) == 0:
		return &ValidationError{Field: "community_ids", Msg: "at least one community is required"}
	}
	for _, id := range in.CommunityIDs {
		if id <= 0 {
			return &ValidationError{Field: "community_ids", Msg: fmt.Sprintf("invalid community id %d", id)}
		}
	}
	return nil
}

func flag(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// DispatchTask is the unit handed to the emergency lane: one channel of one
// broadcast. It runs at most once.
type DispatchTask struct {
	BroadcastID int64           `json:"broadcast_id"`
	Medium      delivery.Medium `json:"medium"`
	Recipients  []Recipient     `json:"recipients"`
}

type ChannelDispatch struct {
	Medium delivery.Medium `json:"medium"`
	Error  string          `json:"error,omitempty"`
}

// DispatchSummary is returned by Send once every task has been handed off.
type DispatchSummary struct {
	BroadcastID     int64             `json:"broadcast_id"`
	TotalRecipients int64             `json:"total_recipients"`
	Channels        []ChannelDispatch `json:"channels_dispatched"`
}

type ChannelStatus struct {
	Queued    int64   `json:"queued"`
	Sent      int64   `json:"sent"`
	Delivered int64   `json:"delivered,omitempty"`
	Answered  int64   `json:"answered,omitempty"`
	Percent   float64 `json:"percent"`
}

type DeliveryStatus struct {
	BroadcastID     int64         `json:"broadcast_id"`
	Status          Status        `json:"status"`
	TotalRecipients int64         `json:"total_recipients"`
	Email           ChannelStatus `json:"email"`
	SMS             ChannelStatus `json:"sms"`
	Push            ChannelStatus `json:"push"`
	Voice           ChannelStatus `json:"voice"`
	ElapsedSeconds  int64         `json:"elapsed_seconds"`
}

type TestResult struct {
	IsTest         bool `json:"is_test"`
	RecipientCount int  `json:"recipient_count"`
	Sent           int  `json:"sent"`
}

// ListFilter selects broadcasts for the index view. Zero fields match all.
type ListFilter struct {
	Status      Status
	Category    Category
	CommunityID int64
	Limit       int
	Offset      int
}
