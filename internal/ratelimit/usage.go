package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyUsage = "meterledger:ratelimit:usage:%s:%s"

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  redis.UniversalClient `optional:"true"`
}

// UsageLimiter throttles usage recording per (subscriber, resource) pair.
// A nil limiter allows everything.
type UsageLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageLimiter(p Params) (*UsageLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, fmt.Errorf("usage rate limit requires redis")
	}
	if cfg.UsageRate <= 0 || cfg.UsageBurst <= 0 {
		return nil, fmt.Errorf("usage rate limit must be positive")
	}
	p.Log.Named("ratelimit").Info("usage rate limit enabled",
		zap.Float64("rate", cfg.UsageRate),
		zap.Int("burst", cfg.UsageBurst),
	)
	return &UsageLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   cfg.UsageRate,
		burst:  cfg.UsageBurst,
	}, nil
}

func (l *UsageLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageLimiter) Allow(ctx context.Context, subscriberID, resourceID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyUsage, strings.TrimSpace(subscriberID), strings.TrimSpace(resourceID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
