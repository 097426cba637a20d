package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"beacon/internal/broadcast"
)

// PutActor inserts or replaces one (user, community) capability record.
func (s *Store) PutActor(ctx context.Context, a broadcast.AuthorizedActor) error {
	if a.UserID <= 0 || a.CommunityID <= 0 {
		return fmt.Errorf("actor needs user_id and community_id")
	}
	if strings.TrimSpace(a.PINHash) == "" {
		return fmt.Errorf("actor %d: pin hash is required", a.UserID)
	}
	_, err := s.exec(ctx,
		`INSERT INTO authorized_actors(user_id, community_id, name, title, is_active, can_send_emergency, can_send_test, pin_hash)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, community_id) DO UPDATE SET
			name = excluded.name, title = excluded.title, is_active = excluded.is_active,
			can_send_emergency = excluded.can_send_emergency, can_send_test = excluded.can_send_test,
			pin_hash = excluded.pin_hash`,
		a.UserID, a.CommunityID, a.Name, a.Title, b2i(a.Active), b2i(a.CanSendEmergency), b2i(a.CanSendTest), a.PINHash)
	return err
}

// PutSubscriber upserts a subscriber and replaces its community memberships.
func (s *Store) PutSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.ID <= 0 {
		return fmt.Errorf("subscriber id is required")
	}
	status := strings.TrimSpace(sub.Status)
	if status == "" {
		status = "active"
	}
	tokens := sub.DeviceTokens
	if tokens == nil {
		tokens = []string{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO subscribers(id, email, phone, device_tokens, status, emergency_opt_out)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email, phone = excluded.phone, device_tokens = excluded.device_tokens,
			status = excluded.status, emergency_opt_out = excluded.emergency_opt_out`),
		sub.ID, sub.Email, sub.Phone, string(raw), status, b2i(sub.EmergencyOptOut)); err != nil {
		return fmt.Errorf("upsert subscriber %d: %w", sub.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM subscriber_communities WHERE subscriber_id = ?`), sub.ID); err != nil {
		return err
	}
	for _, c := range sub.CommunityIDs {
		if _, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO subscriber_communities(subscriber_id, community_id) VALUES(?,?) ON CONFLICT DO NOTHING`), sub.ID, c); err != nil {
			return fmt.Errorf("subscriber %d community %d: %w", sub.ID, c, err)
		}
	}
	return tx.Commit()
}
