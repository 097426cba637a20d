package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": DSN is a file path (":memory:" for tests)
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxOpen     int           // postgres only; 0 means 10
}

// Subscriber is the provisioning view of a subscriber. Opt-out is stored but
// emergency recipient resolution ignores it.
type Subscriber struct {
	ID              int64
	Email           string
	Phone           string
	DeviceTokens    []string
	Status          string // "active" receives broadcasts
	EmergencyOptOut bool
	CommunityIDs    []int64
}
