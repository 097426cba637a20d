package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	logx "beacon/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "beacon.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newBroadcast(t *testing.T, st *Store, email, sms bool, communities ...int64) *broadcast.Broadcast {
	t.Helper()
	b := &broadcast.Broadcast{
		Title: "Wildfire", Message: "Evacuate zone A", Category: broadcast.CategoryFire, Severity: broadcast.SeverityCritical,
		CommunityIDs: communities, SendEmail: email, SendSMS: sms,
		AuthorizedBy: 7, AuthorizerName: "Dana", AuthorizationCode: "AB12CD34", AuthorizedAt: time.Now(),
		Status: broadcast.StatusAuthorized,
	}
	err := st.CreateBroadcast(context.Background(), b,
		broadcast.AuditEntry{Action: broadcast.ActionCreated, UserID: 7},
		broadcast.AuditEntry{Action: broadcast.ActionAuthorized, UserID: 7, Details: map[string]any{"authorization_code": "AB12CD34"}},
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func TestRebindPostgres(t *testing.T) {
	got := postgresDialect.rebind("UPDATE t SET a = ? WHERE id = ? AND s IN (?,?)")
	if got != "UPDATE t SET a = $1 WHERE id = $2 AND s IN ($3,$4)" {
		t.Fatalf("rebind = %s", got)
	}
	if sqliteDialect.rebind("a = ?") != "a = ?" {
		t.Fatal("sqlite must keep ? placeholders")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateAndGetBroadcast(t *testing.T) {
	st := openTest(t)
	b := newBroadcast(t, st, true, false, 3, 1)
	if b.ID == 0 {
		t.Fatal("id not set")
	}

	got, err := st.GetBroadcast(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Wildfire" || got.Status != broadcast.StatusAuthorized || !got.SendEmail || got.SendSMS {
		t.Fatalf("got = %+v", got)
	}
	if len(got.CommunityIDs) != 2 || got.CommunityIDs[0] != 1 || got.CommunityIDs[1] != 3 {
		t.Fatalf("communities = %v", got.CommunityIDs)
	}

	trail, err := st.AuditTrail(context.Background(), b.ID)
	if err != nil || len(trail) != 2 {
		t.Fatalf("trail = %+v err=%v", trail, err)
	}
	if trail[0].Action != broadcast.ActionAuthorized || trail[0].Details["authorization_code"] != "AB12CD34" {
		t.Fatalf("newest entry = %+v", trail[0])
	}

	if _, err := st.GetBroadcast(context.Background(), 999); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestActiveRecipientsUnionIgnoresOptOut(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	subs := []Subscriber{
		{ID: 1, Email: "a@x.io", CommunityIDs: []int64{10}},
		{ID: 2, Phone: "+15550000002", CommunityIDs: []int64{10, 20}},
		{ID: 3, DeviceTokens: []string{"111"}, EmergencyOptOut: true, CommunityIDs: []int64{20}},
		{ID: 4, Email: "gone@x.io", Status: "unsubscribed", CommunityIDs: []int64{10}},
		{ID: 5, Email: "other@x.io", CommunityIDs: []int64{30}},
	}
	for _, s := range subs {
		if err := st.PutSubscriber(ctx, s); err != nil {
			t.Fatalf("put %d: %v", s.ID, err)
		}
	}

	got, err := st.ActiveRecipients(ctx, []int64{10, 20})
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(got) != 3 || got[0].ID != 1 || got[1].ID != 2 || got[2].ID != 3 {
		t.Fatalf("recipients = %+v", got)
	}
	if len(got[2].DeviceTokens) != 1 || got[2].DeviceTokens[0] != "111" {
		t.Fatalf("tokens = %v", got[2].DeviceTokens)
	}
}

func TestMarkSendingIsConditional(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	b := newBroadcast(t, st, true, true, 1)

	ok, err := st.MarkSending(ctx, b.ID, 7, time.Now())
	if err != nil || !ok {
		t.Fatalf("first mark = %v %v", ok, err)
	}
	ok, err = st.MarkSending(ctx, b.ID, 9, time.Now())
	if err != nil || ok {
		t.Fatalf("second mark must not apply: %v %v", ok, err)
	}
	got, _ := st.GetBroadcast(ctx, b.ID)
	if got.TotalRecipients != 7 || got.Status != broadcast.StatusSending || got.SendingStartedAt.IsZero() {
		t.Fatalf("got = %+v", got)
	}

	ok, _ = st.Cancel(ctx, b.ID, []broadcast.Status{broadcast.StatusPending, broadcast.StatusAuthorized})
	if ok {
		t.Fatal("cancel must not apply to a sending broadcast")
	}
}

func TestConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	b := newBroadcast(t, st, true, true, 1)

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := st.AddSent(ctx, b.ID, delivery.Email, 3); err != nil {
					t.Errorf("add: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _ := st.GetBroadcast(ctx, b.ID)
	if got.Email.Sent != 300 {
		t.Fatalf("email_sent = %d", got.Email.Sent)
	}
}

func TestCountersPerMedium(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	b := newBroadcast(t, st, true, true, 1)

	_ = st.SetQueued(ctx, b.ID, delivery.SMS, 4)
	_ = st.SetQueued(ctx, b.ID, delivery.SMS, 5)
	_ = st.AddSent(ctx, b.ID, delivery.SMS, 2)
	_ = st.AddDelivered(ctx, b.ID, delivery.Voice, 1)
	got, _ := st.GetBroadcast(ctx, b.ID)
	if got.SMS.Queued != 5 || got.SMS.Sent != 2 || got.Voice.Delivered != 1 || got.Email.Sent != 0 {
		t.Fatalf("counters = %+v %+v %+v", got.SMS, got.Voice, got.Email)
	}
	if err := st.AddSent(ctx, 404, delivery.SMS, 1); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("missing broadcast err = %v", err)
	}
	if err := st.AddSent(ctx, b.ID, delivery.Medium("fax"), 1); err == nil {
		t.Fatal("unknown medium must fail")
	}
}

func TestChannelDoneCompletesOnce(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	b := newBroadcast(t, st, true, true, 1)
	_, _ = st.MarkSending(ctx, b.ID, 2, time.Now())

	done, err := st.ChannelDone(ctx, b.ID, time.Now())
	if err != nil || done {
		t.Fatalf("first channel: %v %v", done, err)
	}
	done, err = st.ChannelDone(ctx, b.ID, time.Now())
	if err != nil || !done {
		t.Fatalf("second channel: %v %v", done, err)
	}
	got, _ := st.GetBroadcast(ctx, b.ID)
	if got.Status != broadcast.StatusSent || got.CompletedAt.IsZero() || got.ChannelsDone != 2 {
		t.Fatalf("got = %+v", got)
	}
}

func TestCompleteIfDoneWithNoChannels(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	b := newBroadcast(t, st, false, false, 1)
	_, _ = st.MarkSending(ctx, b.ID, 0, time.Now())
	done, err := st.CompleteIfDone(ctx, b.ID, time.Now())
	if err != nil || !done {
		t.Fatalf("complete = %v %v", done, err)
	}
}

func TestUnattachedAuditEntries(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	err := st.AppendAudit(ctx, broadcast.AuditEntry{Action: broadcast.ActionUnauthorizedAttempt, UserID: 9, IP: "10.0.0.1", Details: map[string]any{"reason": "bad pin"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	trail, err := st.AuditTrail(ctx, 0)
	if err != nil || len(trail) != 1 || trail[0].BroadcastID != 0 || trail[0].IP != "10.0.0.1" {
		t.Fatalf("trail = %+v err=%v", trail, err)
	}
}

func TestActorRecordsAndList(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	for _, c := range []int64{1, 2} {
		if err := st.PutActor(ctx, broadcast.AuthorizedActor{UserID: 7, CommunityID: c, Name: "Dana", Title: "Chief", Active: true, CanSendEmergency: c == 1, PINHash: "h"}); err != nil {
			t.Fatalf("put actor: %v", err)
		}
	}
	recs, err := st.ActorRecords(ctx, 7)
	if err != nil || len(recs) != 2 || !recs[0].CanSendEmergency || recs[1].CanSendEmergency {
		t.Fatalf("records = %+v err=%v", recs, err)
	}

	newBroadcast(t, st, true, false, 1)
	b2 := newBroadcast(t, st, true, false, 2)
	_, _ = st.Cancel(ctx, b2.ID, []broadcast.Status{broadcast.StatusAuthorized})

	list, err := st.ListBroadcasts(ctx, broadcast.ListFilter{CommunityID: 2})
	if err != nil || len(list) != 1 || list[0].ID != b2.ID || list[0].Status != broadcast.StatusCancelled {
		t.Fatalf("list = %+v err=%v", list, err)
	}
	list, _ = st.ListBroadcasts(ctx, broadcast.ListFilter{Status: broadcast.StatusAuthorized})
	if len(list) != 1 {
		t.Fatalf("status filter = %+v", list)
	}
}
