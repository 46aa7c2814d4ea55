package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

// ErrLimited is returned by Reserve when the owner has no slot left.
var ErrLimited = errors.New("claim limit reached")

// Release hands a reserved slot back. Call it when a claim ends without
// creating a job.
type Release func(ctx context.Context)

// Limiter hands out claim slots per owner.
type Limiter interface {
	Reserve(ctx context.Context, ownerID string) (Release, error)
}

func noRelease(context.Context) {}

// reserveScript trims the window, counts and records in one step so
// concurrent claims cannot all pass the count.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[2])
if redis.call('ZCARD', key) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)

// RedisLimiter keeps a sliding window of claim timestamps per owner in a
// sorted set.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "resume:claims"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Reserve(ctx context.Context, ownerID string) (Release, error) {
	key := l.prefix + ":" + ownerID
	now := l.now()
	member := uuid.NewString()

	ok, err := reserveScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
		member,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("rate limit reserve: %w", err)
	}
	if ok == 0 {
		return nil, ErrLimited
	}
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.rdb.ZRem(ctx, key, member).Err()
	}, nil
}

// StoreLimiter counts the owner's jobs created inside the window. The job
// created by an allowed claim is what consumes the slot, so there is nothing
// to release. The count and the create are separate statements; use the
// Redis limiter where concurrent claims by one owner matter.
type StoreLimiter struct {
	jobs   repository.JobRepository
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewStoreLimiter(jobs repository.JobRepository, limit int, window time.Duration) *StoreLimiter {
	return &StoreLimiter{jobs: jobs, limit: limit, window: window, now: time.Now}
}

// SetClock replaces the time source.
func (l *StoreLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *StoreLimiter) Reserve(ctx context.Context, ownerID string) (Release, error) {
	n, err := l.jobs.CountCreatedSince(ctx, ownerID, l.now().Add(-l.window))
	if err != nil {
		return nil, fmt.Errorf("rate limit count: %w", err)
	}
	if n >= l.limit {
		return nil, ErrLimited
	}
	return noRelease, nil
}
