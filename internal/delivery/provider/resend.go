package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	"github.com/resend/resend-go/v2"
)

// resendBatchLimit is the maximum number of emails per batch call.
const resendBatchLimit = 100

// Resend sends email through the Resend API with native batching.
//
// Options: api_key, from, from_name, base_url (tests / regional endpoints).
type Resend struct {
	base
	client *resend.Client
	from   string
	ready  bool
}

func NewResend(spec delivery.GatewaySpec, deps delivery.Deps) (delivery.Gateway, error) {
	if spec.Medium != delivery.Email {
		return nil, fmt.Errorf("resend only serves email, not %s", spec.Medium)
	}
	from := spec.Option("from", "")
	if from == "" {
		return nil, fmt.Errorf("resend: from is required")
	}
	if name := spec.Option("from_name", ""); name != "" {
		from = fmt.Sprintf("%s <%s>", name, from)
	}
	key := spec.Option("api_key", "")
	client := resend.NewCustomClient(deps.HTTPClient, key)
	if raw := spec.Option("base_url", ""); raw != "" {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("resend: base_url: %w", err)
		}
		client.BaseURL = u
	}
	return &Resend{
		base:   newBase("resend", spec, deps),
		client: client,
		from:   from,
		// A missing key keeps the gateway configured but unavailable, so a
		// channel fails over instead of sending 401s.
		ready: key != "",
	}, nil
}

func (g *Resend) Available() bool { return g.ready }

func (g *Resend) Send(ctx context.Context, msg delivery.OutboundMessage) delivery.GatewayResult {
	sent, err := g.client.Emails.SendWithContext(ctx, g.request(msg))
	if err != nil {
		g.log.Debug("resend send failed", logx.Err(err))
		return failed(0, "resend: %v", err)
	}
	g.record(1)
	return delivery.GatewayResult{Success: true, ExternalID: sent.Id}
}

func (g *Resend) SendBatch(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	out := make([]delivery.GatewayResult, 0, len(msgs))
	for start := 0; start < len(msgs); start += resendBatchLimit {
		end := min(start+resendBatchLimit, len(msgs))
		out = append(out, g.sendChunk(ctx, msgs[start:end])...)
	}
	return out
}

func (g *Resend) sendChunk(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	out := make([]delivery.GatewayResult, len(msgs))
	reqs := make([]*resend.SendEmailRequest, len(msgs))
	for i, m := range msgs {
		reqs[i] = g.request(m)
	}

	resp, err := g.client.Batch.SendWithContext(ctx, reqs)
	if err != nil {
		g.log.Warn("resend batch failed", logx.Err(err), logx.Int("size", len(msgs)))
		for i := range out {
			out[i] = failed(0, "resend batch: %v", err)
		}
		return out
	}
	for i := range out {
		if resp == nil || i >= len(resp.Data) {
			out[i] = failed(0, "resend batch: missing result")
			continue
		}
		out[i] = delivery.GatewayResult{Success: true, ExternalID: resp.Data[i].Id}
	}
	g.record(len(msgs))
	return out
}

func (g *Resend) request(msg delivery.OutboundMessage) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    g.from,
		To:      []string{msg.To()},
		Subject: msg.Subject(),
		Html:    msg.HTML(),
		Text:    msg.Text(),
		Headers: map[string]string{},
	}
	if msg.Priority() == "P0" {
		req.Headers["X-Priority"] = "1"
	}
	if id := msg.Meta("emergency_broadcast_id"); id != "" {
		req.Headers["X-Entity-Ref-ID"] = "broadcast-" + id + "-" + msg.Meta("recipient_id")
		req.Tags = append(req.Tags, resend.Tag{Name: "broadcast", Value: id})
	}
	if pool := msg.Pool(); pool != "" {
		req.Tags = append(req.Tags, resend.Tag{Name: "pool", Value: pool})
	}
	return req
}
