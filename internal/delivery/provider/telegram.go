package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// telegramTextLimit is the Bot API message length limit.
const telegramTextLimit = 4096

// Telegram delivers push notifications as bot messages. The device token is
// the subscriber's chat id.
//
// Options: token, api_url (tests), parse_mode ("HTML" default).
type Telegram struct {
	base
	bot       *tele.Bot
	parseMode tele.ParseMode
}

func NewTelegram(spec delivery.GatewaySpec, deps delivery.Deps) (delivery.Gateway, error) {
	if spec.Medium != delivery.Push {
		return nil, fmt.Errorf("telegram only serves push, not %s", spec.Medium)
	}
	token := spec.Option("token", "")
	if token == "" {
		return nil, errors.New("telegram: token is required")
	}
	// Offline skips getMe so building a gateway never touches the network.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     spec.Option("api_url", ""),
		Offline: true,
		Client:  deps.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{
		base:      newBase("telegram", spec, deps),
		bot:       b,
		parseMode: tele.ParseMode(spec.Option("parse_mode", tele.ModeHTML)),
	}, nil
}

func (g *Telegram) Available() bool { return g.bot != nil }

func (g *Telegram) Send(ctx context.Context, msg delivery.OutboundMessage) delivery.GatewayResult {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.To()), 10, 64)
	if err != nil {
		return failed(0, "telegram: device token %q is not a chat id", msg.To())
	}
	if err := ctx.Err(); err != nil {
		return failed(0, "send aborted: %v", err)
	}

	sent, err := g.bot.Send(&tele.Chat{ID: chatID}, g.render(msg), &tele.SendOptions{
		ParseMode:             g.parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		code := 0
		var te *tele.Error
		if errors.As(err, &te) {
			code = te.Code
		}
		var fe tele.FloodError
		if errors.As(err, &fe) {
			code = 429
			g.log.Warn("telegram flood control", logx.Duration("retry_after", time.Duration(fe.RetryAfter)*time.Second))
		}
		return failed(code, "telegram: %v", err)
	}
	g.record(1)
	return delivery.GatewayResult{Success: true, ExternalID: strconv.Itoa(sent.ID)}
}

func (g *Telegram) SendBatch(ctx context.Context, msgs []delivery.OutboundMessage) []delivery.GatewayResult {
	return delivery.SendEach(ctx, g, msgs)
}

// render puts the title in bold above the body and clips to the API limit.
func (g *Telegram) render(msg delivery.OutboundMessage) string {
	title, body := msg.Subject(), msg.Text()
	var s string
	switch {
	case title == "":
		s = body
	case g.parseMode == tele.ModeHTML:
		s = "<b>" + escapeHTML(title) + "</b>\n" + escapeHTML(body)
	default:
		s = title + "\n" + body
	}
	if r := []rune(s); len(r) > telegramTextLimit {
		s = string(r[:telegramTextLimit])
	}
	return s
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
