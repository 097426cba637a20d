package delivery

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateMeter tracks throughput of one gateway against its configured limits.
// Record is called after every provider call; Status is cheap and lock-light.
type RateMeter struct {
	limiter    *rate.Limiter // nil when unlimited
	maxPerSec  float64
	maxPerHour int

	mu      sync.Mutex
	secAt   int64 // unix second of secN
	secN    int
	minutes [60]minuteCount
}

type minuteCount struct {
	at int64 // unix minute
	n  int
}

// NewRateMeter builds a meter. Zero limits mean unlimited.
func NewRateMeter(maxPerSec float64, maxPerHour int) *RateMeter {
	r := &RateMeter{maxPerSec: max(maxPerSec, 0), maxPerHour: max(maxPerHour, 0)}
	if maxPerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxPerSec), max(1, int(math.Ceil(maxPerSec))))
	}
	return r
}

// Record counts n sends at now.
func (r *RateMeter) Record(now time.Time, n int) {
	if r == nil || n <= 0 {
		return
	}
	// Drain tokens so Status reflects bursts; the result is advisory.
	if r.limiter != nil {
		_ = r.limiter.AllowN(now, n)
	}

	sec := now.Unix()
	minute := sec / 60
	r.mu.Lock()
	if r.secAt != sec {
		r.secAt = sec
		r.secN = 0
	}
	r.secN += n
	slot := &r.minutes[minute%60]
	if slot.at != minute {
		slot.at = minute
		slot.n = 0
	}
	slot.n += n
	r.mu.Unlock()
}

func (r *RateMeter) Status(now time.Time) RateStatus {
	if r == nil {
		return RateStatus{CanSend: true}
	}
	sec := now.Unix()
	minute := sec / 60

	r.mu.Lock()
	perSec := 0
	if r.secAt == sec {
		perSec = r.secN
	}
	perHour := 0
	for _, m := range r.minutes {
		if m.at > minute-60 && m.at <= minute {
			perHour += m.n
		}
	}
	r.mu.Unlock()

	can := r.limiter == nil || r.limiter.TokensAt(now) >= 1
	if r.maxPerHour > 0 && perHour >= r.maxPerHour {
		can = false
	}
	return RateStatus{
		CurrentPerSecond: perSec,
		MaxPerSecond:     r.maxPerSec,
		CurrentPerHour:   perHour,
		MaxPerHour:       r.maxPerHour,
		CanSend:          can,
	}
}
