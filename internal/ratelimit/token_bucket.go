package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limits can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at fillRate tokens/sec up to capacity. Balances are kept
// in fixed-point nano-tokens so integer rates never accumulate rounding drift.
//
// A relay connection gets one bucket sized to its envelope budget.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec == nano-tokens/ns
	balance  int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket. Negative values are treated as zero.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		fillRate: fillRate,
		balance:  capacity,
		last:     clock.Now(),
	}
}

// NewPerSecond returns a bucket allowing bursts of perSecond and refilling at
// the same rate. perSecond <= 0 yields nil, which allows everything.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if the balance covers them. A nil bucket and
// tokens <= 0 always succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.balance < cost {
		return false
	}
	b.balance -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that went backwards only moves the reference point.
	if elapsed <= 0 || b.fillRate == 0 || b.balance >= b.capacity {
		if b.balance > b.capacity {
			b.balance = b.capacity
		}
		return
	}

	missing := b.capacity - b.balance
	// elapsed*fillRate would overflow long before the bucket is full again.
	if elapsed.Nanoseconds() >= missing/b.fillRate+1 {
		b.balance = b.capacity
		return
	}
	b.balance += elapsed.Nanoseconds() * b.fillRate
	if b.balance > b.capacity {
		b.balance = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
