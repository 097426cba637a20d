package delivery

import (
	"fmt"
	"strings"
	"time"
)

type Medium string

const (
	Email Medium = "email"
	SMS   Medium = "sms"
	Push  Medium = "push"
	Voice Medium = "voice"
)

// Media lists every medium in dispatch order.
var Media = []Medium{Email, SMS, Push, Voice}

func ParseMedium(s string) (Medium, error) {
	m := Medium(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Email, SMS, Push, Voice:
		return m, nil
	}
	return "", fmt.Errorf("unknown medium %q", s)
}

// OutboundMessage is an immutable message addressed to one recipient.
// Build it with NewMessage; the zero value has no recipient.
type OutboundMessage struct {
	to       string
	subject  string
	text     string
	html     string
	metadata map[string]string
	pool     string
	priority string
}

type MessageOption func(*OutboundMessage)

func WithSubject(s string) MessageOption  { return func(m *OutboundMessage) { m.subject = s } }
func WithText(s string) MessageOption     { return func(m *OutboundMessage) { m.text = s } }
func WithHTML(s string) MessageOption     { return func(m *OutboundMessage) { m.html = s } }
func WithPool(s string) MessageOption     { return func(m *OutboundMessage) { m.pool = s } }
func WithPriority(s string) MessageOption { return func(m *OutboundMessage) { m.priority = s } }

// WithMeta sets one metadata key. Later options win.
func WithMeta(k, v string) MessageOption {
	return func(m *OutboundMessage) {
		if m.metadata == nil {
			m.metadata = map[string]string{}
		}
		m.metadata[k] = v
	}
}

func NewMessage(to string, opts ...MessageOption) OutboundMessage {
	m := OutboundMessage{to: strings.TrimSpace(to)}
	for _, o := range opts {
		if o != nil {
			o(&m)
		}
	}
	return m
}

func (m OutboundMessage) To() string       { return m.to }
func (m OutboundMessage) Subject() string  { return m.subject }
func (m OutboundMessage) Text() string     { return m.text }
func (m OutboundMessage) HTML() string     { return m.html }
func (m OutboundMessage) Pool() string     { return m.pool }
func (m OutboundMessage) Priority() string { return m.priority }

// Meta returns one metadata value ("" when absent).
func (m OutboundMessage) Meta(k string) string { return m.metadata[k] }

// Metadata returns a copy of the metadata map.
func (m OutboundMessage) Metadata() map[string]string {
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// Readdressed returns a copy of m sent to another address. The metadata map
// is shared; it is never mutated after construction.
func (m OutboundMessage) Readdressed(to string) OutboundMessage {
	m.to = strings.TrimSpace(to)
	return m
}

// GatewayResult is the outcome of one provider call for one message.
type GatewayResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func Failed(format string, args ...any) GatewayResult {
	return GatewayResult{Error: fmt.Sprintf(format, args...)}
}

// SendResult is a GatewayResult normalized by a Channel. Gateway is empty
// when no gateway was invoked (invalid address, none available).
type SendResult struct {
	GatewayResult
	Gateway string `json:"gateway,omitempty"`
}

// RateStatus is advisory; nothing in the dispatch path enforces it.
// Max values of 0 mean unlimited.
type RateStatus struct {
	CurrentPerSecond int     `json:"current_per_second"`
	MaxPerSecond     float64 `json:"max_per_second"`
	CurrentPerHour   int     `json:"current_per_hour"`
	MaxPerHour       int     `json:"max_per_hour"`
	CanSend          bool    `json:"can_send"`
}

type ChannelHealth struct {
	Healthy        bool          `json:"healthy"`
	SuccessRate1h  float64       `json:"success_rate_1h"`
	SuccessRate24h float64       `json:"success_rate_24h"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// ResultEvent is the payload of "delivery.result" bus events.
type ResultEvent struct {
	Medium  Medium        `json:"medium"`
	Gateway string        `json:"gateway"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

const EventResult = "delivery.result"
