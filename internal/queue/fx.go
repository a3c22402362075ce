package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	UsageQueue   = "usage"
	BillingQueue = "billing"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Queues are the two execution queues: usage work is laned by subscriber,
// ledger work by the ledger user it writes for.
type Queues struct {
	Usage   *Queue
	Billing *Queue
}

func (qs *Queues) All() []*Queue {
	return []*Queue{qs.Usage, qs.Billing}
}

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Redis      redis.UniversalClient `optional:"true"`
	Clock      clock.Clock           `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

func NewQueues(p Params) (*Queues, error) {
	qcfg := p.Config.Queue
	build := func(name string) (*Queue, error) {
		var backend Backend
		switch strings.ToLower(strings.TrimSpace(qcfg.Backend)) {
		case "", BackendMemory:
			backend = NewMemoryBackend(p.Clock)
		case BackendRedis:
			if p.Redis == nil {
				return nil, fmt.Errorf("queue backend %q requires a redis client", BackendRedis)
			}
			backend = NewRedisBackend(p.Redis, name, qcfg.LaneLease)
		default:
			return nil, fmt.Errorf("unknown queue backend %q", qcfg.Backend)
		}
		return New(name, backend, qcfg.DedupWindow, p.Log, p.ObsMetrics), nil
	}

	usage, err := build(UsageQueue)
	if err != nil {
		return nil, err
	}
	billing, err := build(BillingQueue)
	if err != nil {
		return nil, err
	}
	p.Log.Info("execution queues ready", zap.String("backend", qcfg.Backend))
	return &Queues{Usage: usage, Billing: billing}, nil
}

// ConsumerConfigFrom maps the queue settings onto consumer tunables.
func ConsumerConfigFrom(cfg config.QueueConfig) ConsumerConfig {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = uint(cfg.MaxAttempts)
	}
	if cfg.RetryBackoff > 0 {
		policy.InitialInterval = cfg.RetryBackoff
		policy.MaxInterval = 20 * cfg.RetryBackoff
	}
	var heartbeat time.Duration
	if cfg.LaneLease > 0 {
		heartbeat = cfg.LaneLease / 3
	}
	return ConsumerConfig{
		Workers:          cfg.Workers,
		Policy:           policy,
		Heartbeat:        heartbeat,
		RecoveryInterval: cfg.RecoveryInterval,
	}
}

// NewRedisClient connects to Redis when the queue backend or the rate limiter
// needs it.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if !cfg.NeedsRedis() {
		return nil, nil
	}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return client.Close() },
	})
	return client, nil
}

var Module = fx.Module("queue",
	fx.Provide(NewRedisClient),
	fx.Provide(NewQueues),
	fx.Invoke(func(lc fx.Lifecycle, qs *Queues) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				for _, q := range qs.All() {
					_ = q.Close()
				}
				return nil
			},
		})
	}),
)
