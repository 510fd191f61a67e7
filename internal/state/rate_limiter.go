package state

import (
	"time"
)

// DayBucketSeconds is the fixed bucket length for daily action counting.
// Distinct buckets are independent; there is no rolling window.
const DayBucketSeconds = 86400

// retentionBuckets is how many past day buckets are kept before compaction.
// Old buckets are only ever read for the current day, so dropping them does
// not change observable behavior.
const retentionBuckets = 7

type windowKey struct {
	Position PositionID
	Bucket   int64
}

// RateLimiter tracks per-position privileged-action counts per day bucket.
//
// Not thread-safe — only accessed from the single-writer engine.
type RateLimiter struct {
	counts        map[windowKey]int
	highestBucket int64
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		counts: make(map[windowKey]int),
	}
}

// DayBucket derives the discrete bucket for a wall-clock instant.
func DayBucket(now time.Time) int64 {
	return now.Unix() / DayBucketSeconds
}

// Count returns the number of privileged actions recorded for the position
// in now's bucket.
func (rl *RateLimiter) Count(id PositionID, now time.Time) int {
	return rl.counts[windowKey{Position: id, Bucket: DayBucket(now)}]
}

// UnderDailyCap reports whether another privileged action is permitted in
// now's bucket given the configured cap.
func (rl *RateLimiter) UnderDailyCap(id PositionID, now time.Time, maxPerDay int) bool {
	return rl.Count(id, now) < maxPerDay
}

// CooldownElapsed reports whether enough time has passed since the last
// privileged action. A zero lastAt (the "never" sentinel) always passes.
func CooldownElapsed(lastAt, now time.Time, cooldown time.Duration) bool {
	if lastAt.IsZero() {
		return true
	}
	return now.Sub(lastAt) >= cooldown
}

// Record increments the position's count for now's bucket and opportunistically
// compacts buckets older than the retention horizon.
func (rl *RateLimiter) Record(id PositionID, now time.Time) {
	bucket := DayBucket(now)
	rl.counts[windowKey{Position: id, Bucket: bucket}]++

	if bucket > rl.highestBucket {
		rl.highestBucket = bucket
		rl.compact()
	}
}

// Forget drops all counters for a destroyed position.
func (rl *RateLimiter) Forget(id PositionID) {
	for key := range rl.counts {
		if key.Position == id {
			delete(rl.counts, key)
		}
	}
}

func (rl *RateLimiter) compact() {
	horizon := rl.highestBucket - retentionBuckets
	for key := range rl.counts {
		if key.Bucket < horizon {
			delete(rl.counts, key)
		}
	}
}
