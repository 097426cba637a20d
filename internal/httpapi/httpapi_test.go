package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	"beacon/internal/delivery/provider"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var secret = []byte("test-secret")

type queued struct {
	mu    sync.Mutex
	tasks []broadcast.DispatchTask
}

func (q *queued) Dispatch(_ context.Context, t broadcast.DispatchTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

type apiFixture struct {
	srv  *httptest.Server
	disp *queued
	tok  string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hash, _ := broadcast.HashPIN("135790", bcrypt.MinCost)
	if err := st.PutActor(ctx, broadcast.AuthorizedActor{UserID: 7, CommunityID: 1, Name: "Dana", Title: "Chief", Active: true, CanSendEmergency: true, CanSendTest: true, PINHash: hash}); err != nil {
		t.Fatalf("actor: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		_ = st.PutSubscriber(ctx, storage.Subscriber{ID: i, Email: fmt.Sprintf("r%d@example.org", i), CommunityIDs: []int64{1}})
	}

	gw, _ := provider.NewLog(delivery.GatewaySpec{Name: "dry-run", Medium: delivery.Email}, delivery.Deps{Log: logx.Nop()})
	email := delivery.NewChannel(delivery.Email, []delivery.Gateway{gw})

	disp := &queued{}
	svc := broadcast.New(st, map[delivery.Medium]broadcast.Sender{delivery.Email: email}, broadcast.WithDispatcher(disp))
	srv := httptest.NewServer(NewRouter(Deps{Broadcasts: svc, Channels: []*delivery.Channel{email}, JWTSecret: secret}))
	t.Cleanup(srv.Close)

	tok, err := SignToken(secret, 7, "Dana", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &apiFixture{srv: srv, disp: disp, tok: tok}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.tok)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env struct {
		Data json.RawMessage `json:"data"`
		Code string          `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&env)
	if env.Code != "" {
		return resp.StatusCode, json.RawMessage(`"` + env.Code + `"`)
	}
	return resp.StatusCode, env.Data
}

func createBody(pin string) map[string]any {
	return map[string]any{
		"title":             "Boil water notice",
		"message":           "Boil tap water before drinking.",
		"category":          "health",
		"severity":          "moderate",
		"community_ids":     []int64{1},
		"send_sms":          false,
		"send_push":         false,
		"authorization_pin": pin,
	}
}

func TestBroadcastLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)

	code, data := f.do(t, http.MethodPost, "/v1/broadcasts", createBody("135790"))
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, data)
	}
	var b broadcast.Broadcast
	_ = json.Unmarshal(data, &b)
	if b.ID == 0 || b.Status != broadcast.StatusAuthorized || len(b.AuthorizationCode) != 8 {
		t.Fatalf("broadcast = %+v", b)
	}
	base := fmt.Sprintf("/v1/broadcasts/%d", b.ID)

	code, data = f.do(t, http.MethodPost, base+"/send", nil)
	if code != http.StatusAccepted {
		t.Fatalf("send = %d %s", code, data)
	}
	var sum broadcast.DispatchSummary
	_ = json.Unmarshal(data, &sum)
	if sum.TotalRecipients != 3 || len(sum.Channels) != 1 || len(f.disp.tasks) != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	if code, data = f.do(t, http.MethodPost, base+"/send", nil); code != http.StatusConflict {
		t.Fatalf("resend = %d %s", code, data)
	}
	if code, _ = f.do(t, http.MethodPost, base+"/cancel", map[string]string{"reason": "late"}); code != http.StatusConflict {
		t.Fatalf("cancel while sending = %d", code)
	}

	code, data = f.do(t, http.MethodGet, base+"/status", nil)
	var st broadcast.DeliveryStatus
	_ = json.Unmarshal(data, &st)
	if code != http.StatusOK || st.Status != broadcast.StatusSending || st.TotalRecipients != 3 {
		t.Fatalf("status = %d %+v", code, st)
	}

	if code, _ = f.do(t, http.MethodPost, base+"/receipts", map[string]any{"medium": "email", "count": 2}); code != http.StatusNoContent {
		t.Fatalf("receipts = %d", code)
	}
	_, data = f.do(t, http.MethodGet, base+"/status", nil)
	_ = json.Unmarshal(data, &st)
	if st.Email.Delivered != 2 || st.Email.Percent != 66.7 {
		t.Fatalf("email status = %+v", st.Email)
	}

	code, data = f.do(t, http.MethodGet, base+"/audit", nil)
	var trail []broadcast.AuditEntry
	_ = json.Unmarshal(data, &trail)
	if code != http.StatusOK || len(trail) != 3 || trail[0].Action != broadcast.ActionSendStarted || trail[0].IP != "203.0.113.9" {
		t.Fatalf("audit = %d %+v", code, trail)
	}
}

func TestCreateErrorsMapToStatus(t *testing.T) {
	f := newAPI(t)
	if code, data := f.do(t, http.MethodPost, "/v1/broadcasts", createBody("000000")); code != http.StatusForbidden {
		t.Fatalf("bad pin = %d %s", code, data)
	}
	body := createBody("135790")
	body["category"] = "meteor"
	if code, _ := f.do(t, http.MethodPost, "/v1/broadcasts", body); code != http.StatusBadRequest {
		t.Fatalf("bad category = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/broadcasts/404", nil); code != http.StatusNotFound {
		t.Fatalf("missing = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/v1/broadcasts/abc/status", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", code)
	}
}

func TestSendTestAndCancel(t *testing.T) {
	f := newAPI(t)
	_, data := f.do(t, http.MethodPost, "/v1/broadcasts", createBody("135790"))
	var b broadcast.Broadcast
	_ = json.Unmarshal(data, &b)
	base := fmt.Sprintf("/v1/broadcasts/%d", b.ID)

	if code, _ := f.do(t, http.MethodPost, base+"/test", map[string]any{"recipients": []string{"not-an-email"}}); code != http.StatusBadRequest {
		t.Fatalf("invalid recipient = %d", code)
	}
	code, data := f.do(t, http.MethodPost, base+"/test", map[string]any{"recipients": []string{"ops@example.org"}})
	var res broadcast.TestResult
	_ = json.Unmarshal(data, &res)
	if code != http.StatusOK || !res.IsTest || res.Sent != 1 {
		t.Fatalf("test = %d %+v", code, res)
	}

	six := []string{"a@example.org", "b@example.org", "c@example.org", "d@example.org", "e@example.org", "junk"}
	code, data = f.do(t, http.MethodPost, base+"/test", map[string]any{"recipients": six})
	res = broadcast.TestResult{}
	_ = json.Unmarshal(data, &res)
	if code != http.StatusOK || res.RecipientCount != 5 || res.Sent != 5 {
		t.Fatalf("truncated test = %d %+v", code, res)
	}

	if code, _ := f.do(t, http.MethodPost, base+"/cancel", map[string]string{}); code != http.StatusBadRequest {
		t.Fatalf("cancel without reason = %d", code)
	}
	if code, _ := f.do(t, http.MethodPost, base+"/cancel", map[string]string{"reason": "drill"}); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	code, data = f.do(t, http.MethodGet, "/v1/broadcasts?status=cancelled", nil)
	var list []broadcast.Broadcast
	_ = json.Unmarshal(data, &list)
	if code != http.StatusOK || len(list) != 1 || list[0].ID != b.ID {
		t.Fatalf("list = %d %+v", code, list)
	}
}

func TestAuthentication(t *testing.T) {
	f := newAPI(t)
	cases := map[string]string{
		"missing":      "",
		"wrong secret": mustSign(t, []byte("other"), jwt.SigningMethodHS256, "7"),
		"bad subject":  mustSign(t, secret, jwt.SigningMethodHS256, "dana"),
		"alg none":     mustSign(t, jwt.UnsafeAllowNoneSignatureType, jwt.SigningMethodNone, "7"),
	}
	for name, tok := range cases {
		req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/broadcasts/categories", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d", name, resp.StatusCode)
		}
	}

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %v %v", resp, err)
	}
	resp.Body.Close()
}

func mustSign(t *testing.T, key any, method jwt.SigningMethod, sub string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, jwt.RegisteredClaims{Subject: sub}).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestCategoriesAndChannelHealth(t *testing.T) {
	f := newAPI(t)
	code, data := f.do(t, http.MethodGet, "/v1/broadcasts/categories", nil)
	var cats []categoryView
	_ = json.Unmarshal(data, &cats)
	if code != http.StatusOK || len(cats) != len(broadcast.Categories) || cats[0].Value != broadcast.CategoryFire || cats[0].Icon != "🔥" {
		t.Fatalf("categories = %d %+v", code, cats)
	}

	code, data = f.do(t, http.MethodGet, "/v1/channels/health", nil)
	var chans []channelView
	_ = json.Unmarshal(data, &chans)
	if code != http.StatusOK || len(chans) != 1 || !chans[0].Healthy || len(chans[0].Gateways) != 1 || !chans[0].Gateways[0].Active {
		t.Fatalf("health = %d %+v", code, chans)
	}
}
