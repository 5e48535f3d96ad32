package utils

import (
	"context"
	"fmt"
	"time"
)

// LimitResult reports the outcome of a daily finalize-limit check.
type LimitResult struct {
	Allowed           bool
	Remaining         int
	NextAllowedAt     time.Time
	RetryAfterSeconds int
}

// DailyFinalizeLimiter counts finalize executions per user per UTC day in
// redis. The counter is only consulted for calls that would actually run the
// protocol; idempotent replays never reach it.
type DailyFinalizeLimiter struct {
	Limit int
}

// Allow increments the caller's counter and reports whether this execution is
// within the daily limit. A redis outage fails open.
func (l DailyFinalizeLimiter) Allow(userID string) (LimitResult, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	allowed := LimitResult{Allowed: true, Remaining: l.Limit, NextAllowedAt: midnight}

	rc := GetRedis()
	if rc == nil {
		return allowed, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := fmt.Sprintf("ratelimit:finalize:%s:%s", userID, now.Format("2006-01-02"))
	count, err := rc.Incr(ctx, key).Result()
	if err != nil {
		if Sugar != nil {
			Sugar.Warnf("finalize limiter unavailable user=%s err=%v", userID, err)
		}
		return allowed, nil
	}
	if count == 1 {
		rc.Expire(ctx, key, time.Until(midnight))
	}

	res := LimitResult{
		Allowed:       count <= int64(l.Limit),
		Remaining:     l.Limit - int(count),
		NextAllowedAt: midnight,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfterSeconds = int(time.Until(midnight).Seconds())
	}
	return res, nil
}
