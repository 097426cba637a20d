// Package health tracks per-gateway delivery outcomes and publishes a cached
// health snapshot that channels consult on the send path.
//
// Raw outcomes are counted in per-minute buckets kept in a Store. The memory
// store serves a single process; the redis store lets the server see results
// produced by worker processes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"beacon/internal/delivery"
)

// Window is how far back buckets are kept and read.
const Window = 24 * time.Hour

// Key identifies one gateway of one channel.
type Key struct {
	Medium  delivery.Medium
	Gateway string
}

func (k Key) String() string { return string(k.Medium) + ":" + k.Gateway }

// Bucket holds the outcomes of one minute.
type Bucket struct {
	Minute    int64 // unix minute
	OK        int64
	Failed    int64
	LatencyMS int64 // sum over OK and Failed
}

func (b Bucket) total() int64 { return b.OK + b.Failed }

// Store persists minute buckets. Add must be an increment so several
// processes can write the same bucket.
type Store interface {
	Add(ctx context.Context, k Key, b Bucket) error
	// Buckets returns buckets with Minute >= since, oldest first.
	Buckets(ctx context.Context, k Key, since int64) ([]Bucket, error)
	Keys(ctx context.Context) ([]Key, error)
	Close() error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[Key]map[int64]Bucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[Key]map[int64]Bucket{}}
}

func (s *MemoryStore) Add(_ context.Context, k Key, b Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[k]
	if m == nil {
		m = map[int64]Bucket{}
		s.data[k] = m
	}
	cur := m[b.Minute]
	cur.Minute = b.Minute
	cur.OK += b.OK
	cur.Failed += b.Failed
	cur.LatencyMS += b.LatencyMS
	m[b.Minute] = cur
	return nil
}

func (s *MemoryStore) Buckets(_ context.Context, k Key, since int64) ([]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[k]
	out := make([]Bucket, 0, len(m))
	for minute, b := range m {
		if minute < since {
			delete(m, minute)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute < out[j].Minute })
	return out, nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
