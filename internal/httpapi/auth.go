package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/internal/broadcast"

	"github.com/golang-jwt/jwt/v5"
)

type actorKey struct{}

// claims carries the operator identity: sub is the numeric user id.
type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 operator token.
func SignToken(secret []byte, userID int64, name string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	c := claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(userID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// authenticate resolves the bearer token into a broadcast.Actor.
func authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

			c := &claims{}
			tok, err := jwt.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !tok.Valid {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}
			id, err := strconv.ParseInt(c.Subject, 10, 64)
			if err != nil || id <= 0 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject")
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, broadcast.Actor{UserID: id, Name: c.Name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFrom(ctx context.Context) broadcast.Actor {
	a, _ := ctx.Value(actorKey{}).(broadcast.Actor)
	return a
}
