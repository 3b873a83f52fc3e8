package relay

import (
	"sync"
	"time"

	"github.com/Kashmala488/Learning-Sync-sub000/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, conn *Conn) BackpressureAction
}

// KickPolicy disconnects slow consumers; they rejoin and resync from the
// next participants-updated.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.RoomID, *Conn) BackpressureAction {
	return KickMember
}

// RateLimiter is a sliding window per user.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(uid domain.ParticipantID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Forget drops the history of a user who left.
func (rl *RateLimiter) Forget(uid domain.ParticipantID) {
	rl.mu.Lock()
	delete(rl.history, uid)
	rl.mu.Unlock()
}
