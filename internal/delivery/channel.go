package delivery

import (
	"context"
	"fmt"
	"time"

	"beacon/internal/eventbus"
	logx "beacon/pkg/logx"
)

// HealthSource answers last-known gateway health from a cached snapshot.
// ok=false means unknown.
type HealthSource interface {
	Lookup(medium Medium, gateway string) (h ChannelHealth, ok bool)
}

type ChannelOption func(*Channel)

// WithNativeBatch overrides the medium default (push batches, others don't).
func WithNativeBatch(enabled bool) ChannelOption {
	return func(c *Channel) { c.nativeBatch = enabled }
}

func WithHealthSource(h HealthSource) ChannelOption {
	return func(c *Channel) { c.health = h }
}

func WithPublisher(p eventbus.Publisher) ChannelOption {
	return func(c *Channel) { c.bus = p }
}

func WithChannelLogger(log logx.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

// Channel delivers one medium through an ordered list of gateways.
// gateways[0] is the default; the rest are alternates.
type Channel struct {
	medium      Medium
	gateways    []Gateway
	nativeBatch bool
	health      HealthSource
	bus         eventbus.Publisher
	log         logx.Logger
	now         func() time.Time
}

func NewChannel(medium Medium, gateways []Gateway, opts ...ChannelOption) *Channel {
	c := &Channel{
		medium:      medium,
		gateways:    append([]Gateway(nil), gateways...),
		nativeBatch: medium == Push,
		log:         logx.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

func (c *Channel) Medium() Medium { return c.medium }

func (c *Channel) Gateways() []Gateway { return append([]Gateway(nil), c.gateways...) }

// CanSend validates the address shape without touching any gateway.
func (c *Channel) CanSend(addr string) bool { return ValidAddress(c.medium, addr) }

// Active returns the first available gateway, or nil.
//
// A gateway is skipped when it reports unavailable or when the health
// snapshot marks it unhealthy while an alternate exists.
func (c *Channel) Active() Gateway {
	var unhealthy Gateway
	for _, g := range c.gateways {
		if !g.Available() {
			continue
		}
		if c.health != nil {
			if h, ok := c.health.Lookup(c.medium, g.Name()); ok && !h.Healthy {
				if unhealthy == nil {
					unhealthy = g
				}
				continue
			}
		}
		return g
	}
	// Every configured gateway looks unhealthy; still try the first usable one.
	return unhealthy
}

// Send delivers one message. It never retries and never panics.
func (c *Channel) Send(ctx context.Context, msg OutboundMessage) SendResult {
	msg = c.normalize(msg)
	if !c.CanSend(msg.To()) {
		return SendResult{GatewayResult: Failed("invalid %s address", c.medium)}
	}
	g := c.Active()
	if g == nil {
		return SendResult{GatewayResult: Failed("%v for %s", ErrNoGateway, c.medium)}
	}

	start := c.now()
	res := safeSend(ctx, g, msg)
	c.observe(g, res.Success, c.now().Sub(start))
	if !res.Success {
		c.log.Debug("delivery failed", logx.String("medium", string(c.medium)), logx.String("gateway", g.Name()), logx.String("err", res.Error), logx.Int("status", res.StatusCode))
	}
	return SendResult{GatewayResult: res, Gateway: g.Name()}
}

// SendBulk delivers msgs and returns results in input order. With native
// batching enabled, valid messages go to the active gateway's SendBatch in
// one call; otherwise each message goes through Send.
func (c *Channel) SendBulk(ctx context.Context, msgs []OutboundMessage) []SendResult {
	out := make([]SendResult, len(msgs))
	if !c.nativeBatch {
		for i, m := range msgs {
			if err := ctx.Err(); err != nil {
				out[i] = SendResult{GatewayResult: Failed("send aborted: %v", err)}
				continue
			}
			out[i] = c.Send(ctx, m)
		}
		return out
	}

	idx := make([]int, 0, len(msgs))
	batch := make([]OutboundMessage, 0, len(msgs))
	for i, m := range msgs {
		m = c.normalize(m)
		if !c.CanSend(m.To()) {
			out[i] = SendResult{GatewayResult: Failed("invalid %s address", c.medium)}
			continue
		}
		idx = append(idx, i)
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		return out
	}

	g := c.Active()
	if g == nil {
		for _, i := range idx {
			out[i] = SendResult{GatewayResult: Failed("%v for %s", ErrNoGateway, c.medium)}
		}
		return out
	}

	start := c.now()
	res := safeBatch(ctx, g, batch)
	per := c.now().Sub(start) / time.Duration(len(batch))
	failed := 0
	for j, r := range res {
		out[idx[j]] = SendResult{GatewayResult: r, Gateway: g.Name()}
		c.observe(g, r.Success, per)
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		c.log.Debug("batch delivery partially failed", logx.String("medium", string(c.medium)), logx.String("gateway", g.Name()), logx.Int("failed", failed), logx.Int("total", len(batch)))
	}
	return out
}

// Health merges gateway health with OR semantics: healthy when any gateway is
// healthy. Rates come from the gateway with the best 1h success rate; latency
// is the mean over healthy gateways with data. Unknown health counts as healthy.
func (c *Channel) Health(ctx context.Context) ChannelHealth {
	if len(c.gateways) == 0 {
		return ChannelHealth{}
	}
	var (
		merged     ChannelHealth
		best       = -1.0
		latencySum time.Duration
		latencyN   int
	)
	for _, g := range c.gateways {
		if ctx.Err() != nil {
			break
		}
		h := ChannelHealth{Healthy: true, SuccessRate1h: 1, SuccessRate24h: 1}
		if c.health != nil {
			if got, ok := c.health.Lookup(c.medium, g.Name()); ok {
				h = got
			}
		}
		if !g.Available() {
			h.Healthy = false
		}
		if h.Healthy {
			merged.Healthy = true
			if h.AvgLatency > 0 {
				latencySum += h.AvgLatency
				latencyN++
			}
		}
		if h.SuccessRate1h > best {
			best = h.SuccessRate1h
			merged.SuccessRate1h = h.SuccessRate1h
			merged.SuccessRate24h = h.SuccessRate24h
		}
	}
	if latencyN > 0 {
		merged.AvgLatency = latencySum / time.Duration(latencyN)
	}
	return merged
}

// normalize strips phone separators so providers see +15551234567.
func (c *Channel) normalize(msg OutboundMessage) OutboundMessage {
	if c.medium == SMS || c.medium == Voice {
		if p := NormalizePhone(msg.To()); p != msg.To() {
			return msg.Readdressed(p)
		}
	}
	return msg
}

func (c *Channel) observe(g Gateway, ok bool, latency time.Duration) {
	if c.bus == nil {
		return
	}
	now := c.now()
	c.bus.Publish(eventbus.Event{Type: EventResult, Time: now, Data: ResultEvent{
		Medium:  c.medium,
		Gateway: g.Name(),
		Success: ok,
		Latency: latency,
		At:      now,
	}})
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel(%s, %d gateways)", c.medium, len(c.gateways))
}
