package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/delivery"
	logx "beacon/pkg/logx"
)

// Store implements broadcast.Store.
type Store struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

var _ broadcast.Store = (*Store)(nil)

const broadcastColumns = `id, title, message, instructions, category, severity,
	send_email, send_sms, send_push, send_voice,
	authorized_by, authorizer_name, authorizer_title, authorization_code, authorized_at,
	status,
	email_queued, email_sent, email_delivered,
	sms_queued, sms_sent, sms_delivered,
	push_queued, push_sent, push_delivered,
	voice_queued, voice_sent, voice_answered,
	total_recipients, sending_started_at, completed_at, channels_done, created_at`

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *Store) ActorRecords(ctx context.Context, userID int64) ([]broadcast.AuthorizedActor, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT user_id, community_id, name, title, is_active, can_send_emergency, can_send_test, pin_hash
		 FROM authorized_actors WHERE user_id = ? ORDER BY community_id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.AuthorizedActor
	for rows.Next() {
		var (
			a                   broadcast.AuthorizedActor
			active, emerg, test int64
		)
		if err := rows.Scan(&a.UserID, &a.CommunityID, &a.Name, &a.Title, &active, &emerg, &test, &a.PINHash); err != nil {
			return nil, err
		}
		a.Active, a.CanSendEmergency, a.CanSendTest = active != 0, emerg != 0, test != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateBroadcast(ctx context.Context, b *broadcast.Broadcast, audit ...broadcast.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	created := b.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`INSERT INTO broadcasts(title, message, instructions, category, severity,
			send_email, send_sms, send_push, send_voice,
			authorized_by, authorizer_name, authorizer_title, authorization_code, authorized_at,
			status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 RETURNING id`),
		b.Title, b.Message, b.Instructions, string(b.Category), string(b.Severity),
		b2i(b.SendEmail), b2i(b.SendSMS), b2i(b.SendPush), b2i(b.SendVoice),
		b.AuthorizedBy, b.AuthorizerName, b.AuthorizerTitle, b.AuthorizationCode, ms(b.AuthorizedAt),
		string(b.Status), ms(created),
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	b.CreatedAt = created

	for _, c := range b.CommunityIDs {
		if _, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO broadcast_communities(broadcast_id, community_id) VALUES(?,?) ON CONFLICT DO NOTHING`), b.ID, c); err != nil {
			return fmt.Errorf("insert broadcast community: %w", err)
		}
	}
	for _, e := range audit {
		e.BroadcastID = b.ID
		if err := s.insertAudit(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetBroadcast(ctx context.Context, id int64) (*broadcast.Broadcast, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`), id)
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broadcast.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	comms, err := s.communities(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	b.CommunityIDs = comms[id]
	return b, nil
}

func (s *Store) ListBroadcasts(ctx context.Context, f broadcast.ListFilter) ([]broadcast.Broadcast, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.CommunityID > 0 {
		where = append(where, "id IN (SELECT broadcast_id FROM broadcast_communities WHERE community_id = ?)")
		args = append(args, f.CommunityID)
	}
	q := `SELECT ` + broadcastColumns + ` FROM broadcasts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []broadcast.Broadcast
		ids []int64
	)
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	comms, err := s.communities(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].CommunityIDs = comms[out[i].ID]
	}
	return out, nil
}

func (s *Store) communities(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ph, args := inList(ids)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT broadcast_id, community_id FROM broadcast_communities
		 WHERE broadcast_id IN (`+ph+`) ORDER BY broadcast_id, community_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var bid, cid int64
		if err := rows.Scan(&bid, &cid); err != nil {
			return nil, err
		}
		out[bid] = append(out[bid], cid)
	}
	return out, rows.Err()
}

// ActiveRecipients ignores emergency_opt_out on purpose: public-safety
// broadcasts reach every active subscriber.
func (s *Store) ActiveRecipients(ctx context.Context, communityIDs []int64) ([]broadcast.Recipient, error) {
	if len(communityIDs) == 0 {
		return nil, nil
	}
	ph, args := inList(communityIDs)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT s.id, s.email, s.phone, s.device_tokens FROM subscribers s
		 WHERE s.status = 'active'
		   AND s.id IN (SELECT subscriber_id FROM subscriber_communities WHERE community_id IN (`+ph+`))
		 ORDER BY s.id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Recipient
	for rows.Next() {
		var (
			r      broadcast.Recipient
			tokens string
		)
		if err := rows.Scan(&r.ID, &r.Email, &r.Phone, &tokens); err != nil {
			return nil, err
		}
		if tokens != "" {
			if err := json.Unmarshal([]byte(tokens), &r.DeviceTokens); err != nil {
				s.log.Warn("bad device_tokens json", logx.Int64("subscriber_id", r.ID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkSending(ctx context.Context, id, total int64, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE broadcasts SET status = ?, total_recipients = ?, sending_started_at = ?
		 WHERE id = ? AND status = ?`,
		string(broadcast.StatusSending), total, ms(at), id, string(broadcast.StatusAuthorized))
	return applied(res, err)
}

func (s *Store) Cancel(ctx context.Context, id int64, from []broadcast.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(broadcast.StatusCancelled), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.exec(ctx, `UPDATE broadcasts SET status = ? WHERE id = ? AND status IN (`+ph+`)`, args...)
	return applied(res, err)
}

func (s *Store) SetQueued(ctx context.Context, id int64, m delivery.Medium, n int64) error {
	col, err := counterColumn(m, "queued")
	if err != nil {
		return err
	}
	return s.mustTouch(s.exec(ctx, `UPDATE broadcasts SET `+col+` = ? WHERE id = ?`, n, id))
}

func (s *Store) AddSent(ctx context.Context, id int64, m delivery.Medium, n int64) error {
	return s.increment(ctx, id, m, "sent", n)
}

func (s *Store) AddDelivered(ctx context.Context, id int64, m delivery.Medium, n int64) error {
	return s.increment(ctx, id, m, "delivered", n)
}

func (s *Store) increment(ctx context.Context, id int64, m delivery.Medium, kind string, n int64) error {
	col, err := counterColumn(m, kind)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.mustTouch(s.exec(ctx, `UPDATE broadcasts SET `+col+` = `+col+` + ? WHERE id = ?`, n, id))
}

const completeIfDone = `UPDATE broadcasts SET status = ?, completed_at = ?
	WHERE id = ? AND status = ?
	  AND channels_done >= send_email + send_sms + send_push + send_voice`

func (s *Store) ChannelDone(ctx context.Context, id int64, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.mustTouch(tx.ExecContext(ctx, s.d.rebind(
		`UPDATE broadcasts SET channels_done = channels_done + 1 WHERE id = ?`), id)); err != nil {
		return false, err
	}
	done, err := applied(tx.ExecContext(ctx, s.d.rebind(completeIfDone),
		string(broadcast.StatusSent), ms(at), id, string(broadcast.StatusSending)))
	if err != nil {
		return false, err
	}
	return done, tx.Commit()
}

// CompleteIfDone finishes a sending broadcast whose channels are all done,
// including one with no channels enabled.
func (s *Store) CompleteIfDone(ctx context.Context, id int64, at time.Time) (bool, error) {
	return applied(s.exec(ctx, completeIfDone,
		string(broadcast.StatusSent), ms(at), id, string(broadcast.StatusSending)))
}

func (s *Store) AppendAudit(ctx context.Context, e broadcast.AuditEntry) error {
	return s.insertAudit(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
}

func (s *Store) insertAudit(ctx context.Context, x execer, e broadcast.AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	var details any
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit details: %w", err)
		}
		details = string(raw)
	}
	var bid any
	if e.BroadcastID > 0 {
		bid = e.BroadcastID
	}
	_, err := x.ExecContext(ctx, s.d.rebind(
		`INSERT INTO audit_log(broadcast_id, action, user_id, user_name, ip, user_agent, details, at)
		 VALUES(?,?,?,?,?,?,?,?)`),
		bid, e.Action, e.UserID, e.UserName, e.IP, e.UserAgent, details, ms(e.At))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

// AuditTrail returns entries newest first. broadcastID 0 selects entries
// that never produced a broadcast.
func (s *Store) AuditTrail(ctx context.Context, broadcastID int64) ([]broadcast.AuditEntry, error) {
	q := `SELECT id, broadcast_id, action, user_id, user_name, ip, user_agent, details, at FROM audit_log`
	var args []any
	if broadcastID > 0 {
		q += ` WHERE broadcast_id = ?`
		args = append(args, broadcastID)
	} else {
		q += ` WHERE broadcast_id IS NULL`
	}
	q += ` ORDER BY at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.AuditEntry
	for rows.Next() {
		var (
			e       broadcast.AuditEntry
			bid     sql.NullInt64
			details sql.NullString
			at      int64
		)
		if err := rows.Scan(&e.ID, &bid, &e.Action, &e.UserID, &e.UserName, &e.IP, &e.UserAgent, &details, &at); err != nil {
			return nil, err
		}
		e.BroadcastID = bid.Int64
		e.At = fromMS(at)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit %d details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(r scanner) (*broadcast.Broadcast, error) {
	var (
		b                                         broadcast.Broadcast
		category, severity, status                string
		sendEmail, sendSMS, sendPush, sendVoice   int64
		authorizedAt, startedAt, completedAt, cAt int64
	)
	err := r.Scan(&b.ID, &b.Title, &b.Message, &b.Instructions, &category, &severity,
		&sendEmail, &sendSMS, &sendPush, &sendVoice,
		&b.AuthorizedBy, &b.AuthorizerName, &b.AuthorizerTitle, &b.AuthorizationCode, &authorizedAt,
		&status,
		&b.Email.Queued, &b.Email.Sent, &b.Email.Delivered,
		&b.SMS.Queued, &b.SMS.Sent, &b.SMS.Delivered,
		&b.Push.Queued, &b.Push.Sent, &b.Push.Delivered,
		&b.Voice.Queued, &b.Voice.Sent, &b.Voice.Delivered,
		&b.TotalRecipients, &startedAt, &completedAt, &b.ChannelsDone, &cAt,
	)
	if err != nil {
		return nil, err
	}
	b.Category = broadcast.Category(category)
	b.Severity = broadcast.Severity(severity)
	b.Status = broadcast.Status(status)
	b.SendEmail, b.SendSMS, b.SendPush, b.SendVoice = sendEmail != 0, sendSMS != 0, sendPush != 0, sendVoice != 0
	b.AuthorizedAt = fromMS(authorizedAt)
	b.SendingStartedAt = fromMS(startedAt)
	b.CompletedAt = fromMS(completedAt)
	b.CreatedAt = fromMS(cAt)
	return &b, nil
}

// counterColumn whitelists the counter columns interpolated into SQL.
func counterColumn(m delivery.Medium, kind string) (string, error) {
	switch m {
	case delivery.Email, delivery.SMS, delivery.Push, delivery.Voice:
	default:
		return "", fmt.Errorf("unknown medium %q", m)
	}
	switch kind {
	case "queued", "sent":
	case "delivered":
		if m == delivery.Voice {
			kind = "answered"
		}
	default:
		return "", fmt.Errorf("unknown counter %q", kind)
	}
	return string(m) + "_" + kind, nil
}

func (s *Store) mustTouch(res sql.Result, err error) error {
	ok, err := applied(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return broadcast.ErrNotFound
	}
	return nil
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func inList(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
