package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"legalchat/internal/metrics"
	"legalchat/pkg/interfaces"
	pkglog "legalchat/pkg/log"
)

// RedisLimiter shares the sliding window between gateway instances using
// one sorted set per sender scored by submission time.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	logger zerolog.Logger
}

var _ interfaces.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter storing its windows under prefix
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

func (rl *RedisLimiter) key(senderID string) string {
	return fmt.Sprintf("%s:ratelimit:sender:%s", rl.prefix, senderID)
}

// Allow checks and records one attempt. When the store cannot be reached
// the attempt is admitted and the failure logged.
func (rl *RedisLimiter) Allow(ctx context.Context, senderID string) bool {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	now := time.Now()
	key := rl.key(senderID)
	member := ulid.Make().String()

	pipe := rl.client.TxPipeline()

	// Remove old entries outside window
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-rl.window).UnixMilli()))

	// Count current entries
	countCmd := pipe.ZCard(ctx, key)

	// Add current attempt with a unique member
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})

	pipe.PExpire(ctx, key, rl.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RateLimitFailOpen.Inc()
		rl.logger.Warn().Err(err).Str(pkglog.FieldUserID, senderID).Msg("rate limit store unavailable, admitting message")
		return true
	}

	if countCmd.Val() < int64(rl.limit) {
		return true
	}

	// FUNCTIONAL DISCOVERY: rejected attempts are taken back out so a
	// throttled sender recovers once the window slides
	if err := rl.client.ZRem(ctx, key, member).Err(); err != nil {
		rl.logger.Warn().Err(err).Str(pkglog.FieldUserID, senderID).Msg("failed to discard rejected attempt")
	}
	metrics.RateLimitHits.Inc()
	return false
}
