package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/hospital-bulk-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	limiterKeyPrefix   = "hospital-bulk:ratelimit"
	defaultLimiterSpan = time.Second
	minimumLimiterSpan = time.Millisecond
)

// reserveScript keeps one sorted-set member per admitted call, scored by its
// admission time in milliseconds. It returns 0 when the call is admitted and
// otherwise the milliseconds until the oldest member leaves the window.
//
// KEYS[1] scope key
// ARGV[1] now, ARGV[2] window start, ARGV[3] window length, ARGV[4] limit, ARGV[5] member
var reserveScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[4]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local retry = tonumber(oldest[2]) + tonumber(ARGV[3]) - tonumber(ARGV[1])
if retry < 1 then
  retry = 1
end
return retry
`)

var _ ratelimit.RateLimiter = (*SlidingWindowLimiter)(nil)

// LimiterOptions sets the shared budget: at most Limit calls per scope in
// any trailing Window.
type LimiterOptions struct {
	Limit  int
	Window time.Duration
}

// SlidingWindowLimiter throttles outbound calls across every API process
// pointed at the same Redis. Unlike a fixed window it never admits a burst
// of twice the limit around a window boundary.
type SlidingWindowLimiter struct {
	client    *goredis.Client
	limit     int
	window    time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newMember func() string
}

func NewSlidingWindowLimiter(client *goredis.Client, opts LimiterOptions) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", opts.Limit)
	}
	window := opts.Window
	if window == 0 {
		window = defaultLimiterSpan
	}
	if window < minimumLimiterSpan {
		return nil, fmt.Errorf("rate limit window must be at least %s, got %s", minimumLimiterSpan, opts.Window)
	}

	return &SlidingWindowLimiter{
		client:    client,
		limit:     opts.Limit,
		window:    window,
		now:       time.Now,
		sleep:     sleepWithContext,
		newMember: uuid.NewString,
	}, nil
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	retryAfter, err := l.reserve(ctx, scope)
	if err != nil {
		return false, err
	}
	return retryAfter == 0, nil
}

// Wait blocks until a call in scope is admitted or ctx ends. Each rejected
// attempt sleeps exactly until the oldest admission expires.
func (l *SlidingWindowLimiter) Wait(ctx context.Context, scope string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		retryAfter, err := l.reserve(ctx, scope)
		if err != nil {
			return err
		}
		if retryAfter == 0 {
			return nil
		}
		if err := l.sleep(ctx, retryAfter); err != nil {
			return err
		}
	}
}

func (l *SlidingWindowLimiter) reserve(ctx context.Context, scope string) (time.Duration, error) {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return 0, fmt.Errorf("rate limit scope is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nowMs := l.now().UnixMilli()
	windowMs := l.window.Milliseconds()
	retryMs, err := reserveScript.Run(ctx, l.client, []string{scopeKey(scope)},
		nowMs,
		nowMs-windowMs,
		windowMs,
		l.limit,
		strconv.FormatInt(nowMs, 10)+":"+l.newMember(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if retryMs <= 0 {
		return 0, nil
	}
	return time.Duration(retryMs) * time.Millisecond, nil
}

func scopeKey(scope string) string {
	return limiterKeyPrefix + ":" + scope
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
