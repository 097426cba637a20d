package provider

import (
	"context"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	"github.com/google/uuid"
)

// Log is a dry-run gateway: it logs each message and reports success.
// Used for staging and for media without a real provider yet.
type Log struct {
	base
}

func NewLog(spec delivery.GatewaySpec, deps delivery.Deps) (delivery.Gateway, error) {
	return &Log{base: newBase("log", spec, deps)}, nil
}

func (g *Log) Available() bool { return true }

func (g *Log) Send(ctx context.Context, msg delivery.OutboundMessage) delivery.GatewayResult {
	if err := ctx.Err(); err != nil {
		return failed(0, "send aborted: %v", err)
	}
	id := uuid.NewString()
	g.log.Info("dry-run delivery",
		logx.String("medium", string(g.medium)),
		logx.String("to", msg.To()),
		logx.String("subject", msg.Subject()),
		logx.String("priority", msg.Priority()),
		logx.String("id", id),
	)
	g.record(1)
	return delivery.GatewayResult{Success: true, ExternalID: id}
}

func (g *Log) SendBatch(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	return delivery.SendEach(ctx, g, msgs)
}
