package broadcast

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"
)

// HashPIN returns the stored form of an authorization PIN. cost <= 0 uses
// bcrypt.DefaultCost.
func HashPIN(pin string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// authorizeEmergency requires an active can_send_emergency record for every
// community, and the PIN must match each covering record. It returns the
// record of the first community for the authorizer block.
func (s *Service) authorizeEmergency(ctx context.Context, actor Actor, communities []int64, pin string) (AuthorizedActor, error) {
	records, err := s.store.ActorRecords(ctx, actor.UserID)
	if err != nil {
		return AuthorizedActor{}, fmt.Errorf("load actor records: %w", err)
	}
	covering := make(map[int64]AuthorizedActor, len(records))
	for _, r := range records {
		if r.Active && r.CanSendEmergency {
			covering[r.CommunityID] = r
		}
	}

	var missing []int64
	for _, c := range communities {
		if _, ok := covering[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return AuthorizedActor{}, &AuthorizationError{
			UserID: actor.UserID,
			Reason: fmt.Sprintf("user is not authorized to send emergency broadcasts to communities %v", slices.Compact(missing)),
		}
	}

	if pin == "" {
		return AuthorizedActor{}, &AuthorizationError{UserID: actor.UserID, Reason: "invalid authorization pin"}
	}
	checked := map[string]bool{}
	for _, c := range communities {
		h := covering[c].PINHash
		if checked[h] {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(pin)) != nil {
			return AuthorizedActor{}, &AuthorizationError{UserID: actor.UserID, Reason: "invalid authorization pin"}
		}
		checked[h] = true
	}
	return covering[communities[0]], nil
}

// authorizeTest requires any active record with can_send_test.
func (s *Service) authorizeTest(ctx context.Context, actor Actor) (AuthorizedActor, error) {
	records, err := s.store.ActorRecords(ctx, actor.UserID)
	if err != nil {
		return AuthorizedActor{}, fmt.Errorf("load actor records: %w", err)
	}
	for _, r := range records {
		if r.Active && r.CanSendTest {
			return r, nil
		}
	}
	return AuthorizedActor{}, &AuthorizationError{UserID: actor.UserID, Reason: "user cannot send test broadcasts"}
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newAuthCode returns an 8-character uppercase alphanumeric code.
func newAuthCode() (string, error) {
	const n = 8
	out := make([]byte, 0, n)
	buf := make([]byte, 16)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 252 is the largest multiple of 36 below 256.
			if b >= 252 {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
