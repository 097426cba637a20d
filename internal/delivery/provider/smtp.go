package provider

import (
	"context"
	"fmt"
	"strings"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	"gopkg.in/gomail.v2"
)

// dialer is the part of *gomail.Dialer the gateway uses.
type dialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTP sends email through a relay. SendBatch reuses one connection.
//
// Options: host, port (587), username, password, from, from_name, ssl ("true").
type SMTP struct {
	base
	from     string
	fromName string
	dialer   dialer
}

func NewSMTP(spec delivery.GatewaySpec, deps delivery.Deps) (delivery.Gateway, error) {
	if spec.Medium != delivery.Email {
		return nil, fmt.Errorf("smtp only serves email, not %s", spec.Medium)
	}
	host := spec.Option("host", "")
	from := spec.Option("from", "")
	if host == "" || from == "" {
		return nil, fmt.Errorf("smtp: host and from are required")
	}
	port, err := spec.IntOption("port", 587)
	if err != nil {
		return nil, err
	}
	d := gomail.NewDialer(host, port, spec.Option("username", ""), spec.Option("password", ""))
	d.SSL = spec.Option("ssl", "") == "true"
	return &SMTP{
		base:     newBase("smtp", spec, deps),
		from:     from,
		fromName: spec.Option("from_name", ""),
		dialer:   d,
	}, nil
}

func (g *SMTP) Available() bool { return g.dialer != nil && g.from != "" }

func (g *SMTP) Send(ctx context.Context, msg delivery.OutboundMessage) delivery.GatewayResult {
	return g.SendBatch(ctx, []delivery.OutboundMessage{msg})[0]
}

func (g *SMTP) SendBatch(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	out := make([]delivery.GatewayResult, len(msgs))
	if len(msgs) == 0 {
		return out
	}
	conn, err := g.dialer.Dial()
	if err != nil {
		g.log.Warn("smtp dial failed", logx.Err(err))
		for i := range out {
			out[i] = failed(0, "smtp dial: %v", err)
		}
		return out
	}
	defer conn.Close()

	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			out[i] = failed(0, "send aborted: %v", err)
			continue
		}
		if err := gomail.Send(conn, g.compose(m)); err != nil {
			out[i] = failed(smtpCode(err), "smtp send: %v", err)
			continue
		}
		g.record(1)
		out[i] = delivery.GatewayResult{Success: true}
	}
	return out
}

func (g *SMTP) compose(msg delivery.OutboundMessage) *gomail.Message {
	m := gomail.NewMessage()
	if g.fromName != "" {
		m.SetAddressHeader("From", g.from, g.fromName)
	} else {
		m.SetHeader("From", g.from)
	}
	m.SetHeader("To", msg.To())
	m.SetHeader("Subject", msg.Subject())
	if msg.Priority() == "P0" {
		m.SetHeader("X-Priority", "1")
		m.SetHeader("Importance", "high")
	}
	if pool := msg.Pool(); pool != "" {
		m.SetHeader("X-Beacon-Pool", pool)
	}
	if id := msg.Meta("emergency_broadcast_id"); id != "" {
		m.SetHeader("X-Beacon-Broadcast", id)
	}

	text := msg.Text()
	switch {
	case msg.HTML() != "" && text != "":
		m.SetBody("text/plain", text)
		m.AddAlternative("text/html", msg.HTML())
	case msg.HTML() != "":
		m.SetBody("text/html", msg.HTML())
	default:
		m.SetBody("text/plain", text)
	}
	return m
}

// smtpCode extracts a leading 3-digit reply code ("550 mailbox unavailable").
func smtpCode(err error) int {
	s := strings.TrimSpace(err.Error())
	if i := strings.LastIndex(s, ": "); i >= 0 {
		s = s[i+2:]
	}
	if len(s) >= 3 {
		code := 0
		for _, c := range s[:3] {
			if c < '0' || c > '9' {
				return 0
			}
			code = code*10 + int(c-'0')
		}
		return code
	}
	return 0
}
