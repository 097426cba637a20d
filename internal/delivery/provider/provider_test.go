package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"beacon/internal/delivery"

	"gopkg.in/gomail.v2"
)

func build(t *testing.T, key string, spec delivery.GatewaySpec) delivery.Gateway {
	t.Helper()
	r := delivery.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	g, err := r.Build(key, spec, delivery.Deps{})
	if err != nil {
		t.Fatalf("build %s: %v", key, err)
	}
	return g
}

func TestRegisterInstallsAllProviders(t *testing.T) {
	r := delivery.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := strings.Join(r.Keys(), ","); got != "log,resend,smtp,telegram,webhook" {
		t.Fatalf("keys = %s", got)
	}
}

func TestWebhookSend(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"sm_1"}`))
	}))
	t.Cleanup(srv.Close)

	g := build(t, "webhook", delivery.GatewaySpec{Name: "twilio-bridge", Medium: delivery.SMS, Options: map[string]string{"url": srv.URL, "token": "s3cret"}})
	res := g.Send(context.Background(), delivery.NewMessage("+15551234567", delivery.WithText("evacuate"), delivery.WithPriority("P0")))
	if !res.Success || res.ExternalID != "sm_1" || res.StatusCode != 200 {
		t.Fatalf("result = %+v", res)
	}
	if got.Medium != delivery.SMS || got.To != "+15551234567" || got.Priority != "P0" {
		t.Fatalf("payload = %+v", got)
	}
	if st := g.RateStatus(); st.CurrentPerHour != 1 {
		t.Fatalf("rate status = %+v", st)
	}
}

func TestWebhookNon2xxIsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "carrier rejected", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	g := build(t, "webhook", delivery.GatewaySpec{Medium: delivery.Voice, Options: map[string]string{"url": srv.URL}})
	res := g.Send(context.Background(), delivery.NewMessage("+15551234567"))
	if res.Success || res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(res.Error, "carrier rejected") {
		t.Fatalf("result = %+v", res)
	}
}

func TestWebhookNativeBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Messages []webhookMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		results := make([]webhookResult, len(body.Messages))
		for i, m := range body.Messages {
			if m.To == "bad" {
				results[i] = webhookResult{Error: "unregistered token"}
				continue
			}
			results[i] = webhookResult{ID: "p_" + m.To}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}))
	t.Cleanup(srv.Close)

	g := build(t, "webhook", delivery.GatewaySpec{Medium: delivery.Push, Options: map[string]string{"url": srv.URL + "/one", "batch_url": srv.URL + "/batch"}})
	res := g.SendBatch(context.Background(), []delivery.OutboundMessage{
		delivery.NewMessage("a"), delivery.NewMessage("bad"), delivery.NewMessage("c"),
	})
	if !res[0].Success || res[1].Success || !res[2].Success || res[2].ExternalID != "p_c" {
		t.Fatalf("results = %+v", res)
	}
}

type fakeSender struct {
	sent   []string
	fail   string
	closed bool
}

func (f *fakeSender) Send(from string, to []string, msg io.WriterTo) error {
	if to[0] == f.fail {
		return errors.New("550 5.1.1 mailbox unavailable")
	}
	var buf bytes.Buffer
	_, _ = msg.WriteTo(&buf)
	f.sent = append(f.sent, to[0]+"|"+buf.String())
	return nil
}

func (f *fakeSender) Close() error { f.closed = true; return nil }

type fakeDialer struct {
	s   *fakeSender
	err error
}

func (d fakeDialer) Dial() (gomail.SendCloser, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.s, nil
}

func TestSMTPBatchReusesConnection(t *testing.T) {
	g := build(t, "smtp", delivery.GatewaySpec{Medium: delivery.Email, Options: map[string]string{"host": "relay.local", "from": "alerts@example.org"}}).(*SMTP)
	s := &fakeSender{fail: "bad@example.org"}
	g.dialer = fakeDialer{s: s}

	res := g.SendBatch(context.Background(), []delivery.OutboundMessage{
		delivery.NewMessage("ann@example.org", delivery.WithSubject("Fire"), delivery.WithText("go"), delivery.WithHTML("<p>go</p>"), delivery.WithPriority("P0")),
		delivery.NewMessage("bad@example.org", delivery.WithSubject("Fire")),
	})
	if !res[0].Success || res[1].Success || res[1].StatusCode != 550 {
		t.Fatalf("results = %+v", res)
	}
	if !s.closed || len(s.sent) != 1 {
		t.Fatalf("sent=%d closed=%v", len(s.sent), s.closed)
	}
	if !strings.Contains(s.sent[0], "X-Priority: 1") || !strings.Contains(s.sent[0], "text/html") {
		t.Fatalf("message missing priority header or html part:\n%s", s.sent[0])
	}
}

func TestSMTPDialFailureFailsEveryMessage(t *testing.T) {
	g := build(t, "smtp", delivery.GatewaySpec{Medium: delivery.Email, Options: map[string]string{"host": "relay.local", "from": "alerts@example.org"}}).(*SMTP)
	g.dialer = fakeDialer{err: errors.New("connection refused")}
	res := g.SendBatch(context.Background(), []delivery.OutboundMessage{delivery.NewMessage("a@x.io"), delivery.NewMessage("b@x.io")})
	for _, r := range res {
		if r.Success || !strings.Contains(r.Error, "connection refused") {
			t.Fatalf("result = %+v", r)
		}
	}
}

func TestSMTPRejectsWrongMedium(t *testing.T) {
	r := delivery.NewRegistry()
	_ = Register(r)
	if _, err := r.Build("smtp", delivery.GatewaySpec{Medium: delivery.SMS, Options: map[string]string{"host": "h", "from": "f@x.io"}}, delivery.Deps{}); err == nil {
		t.Fatal("expected medium error")
	}
}

func TestTelegramSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if bytes.Contains(raw, []byte(`"chat_id":"999"`)) || bytes.Contains(raw, []byte(`"chat_id":999`)) {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":123,"type":"private"}}}`))
	}))
	t.Cleanup(srv.Close)

	g := build(t, "telegram", delivery.GatewaySpec{Medium: delivery.Push, Options: map[string]string{"token": "123:abc", "api_url": srv.URL}})
	res := g.Send(context.Background(), delivery.NewMessage("123", delivery.WithSubject("Flood <warning>"), delivery.WithText("move uphill")))
	if !res.Success || res.ExternalID != "42" {
		t.Fatalf("result = %+v", res)
	}

	res = g.Send(context.Background(), delivery.NewMessage("999", delivery.WithText("x")))
	if res.Success || res.StatusCode != 403 {
		t.Fatalf("blocked result = %+v", res)
	}

	res = g.Send(context.Background(), delivery.NewMessage("fcm:abc"))
	if res.Success {
		t.Fatal("non-numeric token must fail locally")
	}
}

func TestTelegramRenderEscapesAndClips(t *testing.T) {
	g := &Telegram{parseMode: "HTML"}
	got := g.render(delivery.NewMessage("1", delivery.WithSubject("A<B"), delivery.WithText(strings.Repeat("x", 5000))))
	if !strings.HasPrefix(got, "<b>A&lt;B</b>\n") {
		t.Fatalf("render = %q", got[:20])
	}
	if len([]rune(got)) != telegramTextLimit {
		t.Fatalf("len = %d", len([]rune(got)))
	}
}

func TestResendSendAndBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/emails":
			_, _ = w.Write([]byte(`{"id":"re_1"}`))
		case "/emails/batch":
			var reqs []map[string]any
			_ = json.NewDecoder(r.Body).Decode(&reqs)
			data := make([]map[string]string, len(reqs))
			for i := range reqs {
				data[i] = map[string]string{"id": "re_b" + string(rune('0'+i))}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	g := build(t, "resend", delivery.GatewaySpec{Medium: delivery.Email, Options: map[string]string{"api_key": "re_test", "from": "alerts@example.org", "base_url": srv.URL}})
	if !g.Available() {
		t.Fatal("expected available with api key")
	}
	res := g.Send(context.Background(), delivery.NewMessage("a@x.io", delivery.WithSubject("s"), delivery.WithHTML("<p>h</p>")))
	if !res.Success || res.ExternalID != "re_1" {
		t.Fatalf("send = %+v", res)
	}
	batch := g.SendBatch(context.Background(), []delivery.OutboundMessage{delivery.NewMessage("a@x.io"), delivery.NewMessage("b@x.io")})
	if len(batch) != 2 || !batch[1].Success || batch[1].ExternalID != "re_b1" {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestResendWithoutKeyIsUnavailable(t *testing.T) {
	g := build(t, "resend", delivery.GatewaySpec{Medium: delivery.Email, Options: map[string]string{"from": "alerts@example.org"}})
	if g.Available() {
		t.Fatal("gateway without api key must report unavailable")
	}
}

func TestLogGatewayAlwaysSucceeds(t *testing.T) {
	g := build(t, "log", delivery.GatewaySpec{Medium: delivery.Voice})
	res := g.SendBatch(context.Background(), []delivery.OutboundMessage{delivery.NewMessage("+15551234567")})
	if !res[0].Success || res[0].ExternalID == "" {
		t.Fatalf("result = %+v", res)
	}
}
