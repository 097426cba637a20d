package delivery

import (
	"context"
	"errors"
)

// ErrNoGateway is reported (as failed result text, never returned) when no
// gateway of a channel is available.
var ErrNoGateway = errors.New("no available gateway")

// Gateway is one provider's transport for one medium.
//
// Implementations must not return or panic across this boundary: every
// failure becomes a GatewayResult with Success=false.
type Gateway interface {
	Name() string
	// Available is a cheap readiness check (credentials present, not known
	// broken). It never performs network I/O.
	Available() bool
	Send(ctx context.Context, msg OutboundMessage) GatewayResult
	// SendBatch returns one result per message in input order.
	SendBatch(ctx context.Context, msgs []OutboundMessage) []GatewayResult
	RateStatus() RateStatus
}

// SendEach is the SendBatch fallback for providers without a batch API.
func SendEach(ctx context.Context, g Gateway, msgs []OutboundMessage) []GatewayResult {
	out := make([]GatewayResult, len(msgs))
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			out[i] = Failed("send aborted: %v", err)
			continue
		}
		out[i] = safeSend(ctx, g, m)
	}
	return out
}

func safeSend(ctx context.Context, g Gateway, msg OutboundMessage) (res GatewayResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed("gateway %s panicked: %v", g.Name(), r)
		}
	}()
	return g.Send(ctx, msg)
}

func safeBatch(ctx context.Context, g Gateway, msgs []OutboundMessage) (res []GatewayResult) {
	defer func() {
		if r := recover(); r != nil {
			res = make([]GatewayResult, len(msgs))
			for i := range res {
				res[i] = Failed("gateway %s panicked: %v", g.Name(), r)
			}
		}
	}()
	res = g.SendBatch(ctx, msgs)
	if len(res) != len(msgs) {
		fixed := make([]GatewayResult, len(msgs))
		copy(fixed, res)
		for i := len(res); i < len(msgs); i++ {
			fixed[i] = Failed("gateway %s returned %d results for %d messages", g.Name(), len(res), len(msgs))
		}
		res = fixed
	}
	return res
}
