package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"
)

// Webhook bridges sms, voice or push to an HTTP provider adapter.
//
// Send posts one webhookMessage to url. With batch_url set, SendBatch posts
// {"messages":[...]} and expects {"results":[...]} in the same order.
//
// Options: url, batch_url, token (bearer), timeout ("10s").
type Webhook struct {
	base
	url      string
	batchURL string
	token    string
	client   *http.Client
	timeout  time.Duration
}

type webhookMessage struct {
	Medium   delivery.Medium   `json:"medium"`
	To       string            `json:"to"`
	Subject  string            `json:"subject,omitempty"`
	Text     string            `json:"text,omitempty"`
	HTML     string            `json:"html,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Pool     string            `json:"pool,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type webhookResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func NewWebhook(spec delivery.GatewaySpec, deps delivery.Deps) (delivery.Gateway, error) {
	u := spec.Option("url", "")
	if u == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	timeout := 10 * time.Second
	if raw := spec.Option("timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("webhook: timeout: %w", err)
		}
		timeout = d
	}
	return &Webhook{
		base:     newBase("webhook", spec, deps),
		url:      u,
		batchURL: spec.Option("batch_url", ""),
		token:    spec.Option("token", ""),
		client:   deps.HTTPClient,
		timeout:  timeout,
	}, nil
}

func (g *Webhook) Available() bool { return g.url != "" && g.client != nil }

func (g *Webhook) Send(ctx context.Context, msg delivery.OutboundMessage) delivery.GatewayResult {
	var res webhookResult
	status, err := g.post(ctx, g.url, g.payload(msg), &res)
	if err != nil {
		return failed(status, "webhook: %v", err)
	}
	if res.Error != "" {
		return failed(status, "webhook: %s", res.Error)
	}
	g.record(1)
	return delivery.GatewayResult{Success: true, ExternalID: res.ID, StatusCode: status}
}

func (g *Webhook) SendBatch(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	if g.batchURL == "" {
		return delivery.SendEach(ctx, g, msgs)
	}
	body := struct {
		Messages []webhookMessage `json:"messages"`
	}{Messages: make([]webhookMessage, len(msgs))}
	for i, m := range msgs {
		body.Messages[i] = g.payload(m)
	}

	var resp struct {
		Results []webhookResult `json:"results"`
	}
	out := make([]delivery.GatewayResult, len(msgs))
	status, err := g.post(ctx, g.batchURL, body, &resp)
	if err != nil {
		g.log.Warn("webhook batch failed", logx.Err(err), logx.Int("status", status), logx.Int("size", len(msgs)))
		for i := range out {
			out[i] = failed(status, "webhook batch: %v", err)
		}
		return out
	}

	ok := 0
	for i := range out {
		switch {
		case i >= len(resp.Results):
			out[i] = failed(status, "webhook batch: missing result")
		case resp.Results[i].Error != "":
			out[i] = failed(status, "webhook: %s", resp.Results[i].Error)
		default:
			out[i] = delivery.GatewayResult{Success: true, ExternalID: resp.Results[i].ID, StatusCode: status}
			ok++
		}
	}
	g.record(ok)
	return out
}

func (g *Webhook) payload(msg delivery.OutboundMessage) webhookMessage {
	return webhookMessage{
		Medium:   g.medium,
		To:       msg.To(),
		Subject:  msg.Subject(),
		Text:     msg.Text(),
		HTML:     msg.HTML(),
		Metadata: msg.Metadata(),
		Pool:     msg.Pool(),
		Priority: msg.Priority(),
	}
}

// post sends JSON and decodes a 2xx JSON response into out. Non-2xx
// responses return the status code with the (clipped) body as error.
func (g *Webhook) post(ctx context.Context, url string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(raw) > 256 {
			raw = raw[:256]
		}
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
