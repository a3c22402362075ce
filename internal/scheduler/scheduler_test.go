package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterledger/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/meterledger/internal/pricing/service"
	"github.com/smallbiznis/meterledger/internal/queue"
	"github.com/smallbiznis/meterledger/internal/testutil"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	usagerepo "github.com/smallbiznis/meterledger/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterledger/internal/usage/service"
	"github.com/smallbiznis/meterledger/internal/worker"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	sched    *Scheduler
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	ledger   ledgerdomain.Service
	usage    usagedomain.Service
	queues   *queue.Queues
	registry *prometheus.Registry
}

func setup(t *testing.T, locker *Locker) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	queues, err := queue.NewQueues(queue.Params{
		Config: config.Config{Queue: config.QueueConfig{Backend: queue.BackendMemory, DedupWindow: time.Hour}},
		Log:    log,
		Clock:  clk,
	})
	require.NoError(t, err)

	resolver := pricingservice.NewService(pricingservice.Params{DB: db, Log: log, Clock: clk})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Pricing: resolver, Pairs: usagerepo.ProvidePairs(), Clock: clk,
	})

	registry := prometheus.NewRegistry()
	sched, err := New(Params{
		Log:        log,
		GenID:      node,
		Ledger:     ledger,
		Usage:      usage,
		Dispatcher: worker.NewDispatcher(queues, log),
		Locker:     locker,
		Clock:      clk,
		Metrics:    obsmetrics.NewSchedulerMetrics(registry, obsmetrics.Config{}),
		Config:     Config{RunInterval: time.Minute, BatchSize: 100},
	})
	require.NoError(t, err)
	return fixture{sched: sched, db: db, node: node, clock: clk, ledger: ledger, usage: usage, queues: queues, registry: registry}
}

func (f fixture) due(t *testing.T, user string, settleAt int64) {
	t.Helper()
	_, err := f.ledger.Create(context.Background(), nil, ledgerdomain.CreateActivityRequest{
		UserID:    user,
		Direction: ledgerdomain.DirectionIncoming,
		Reason:    ledgerdomain.ReasonTopup,
		Amount:    amount.FromInt(1),
		SettleAt:  settleAt,
	})
	require.NoError(t, err)
}

func queued(t *testing.T, q *queue.Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSettlementSweepEnqueuesDueUsersOncePerWindow(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()

	f.due(t, "u1", now-1000)
	f.due(t, "u1", now-500)
	f.due(t, "u2", now)
	f.due(t, "u3", now+int64(time.Hour/time.Millisecond))

	require.NoError(t, f.sched.SettlementSweepJob(ctx))
	assert.Equal(t, 2, queued(t, f.queues.Billing))

	// A second sweep in the same window is deduplicated.
	require.NoError(t, f.sched.SettlementSweepJob(ctx))
	assert.Equal(t, 2, queued(t, f.queues.Billing))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.SettlementSweepJob(ctx))
	assert.Equal(t, 4, queued(t, f.queues.Billing))
}

func TestBillingSweepEnqueuesPendingPairs(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, f.db.Create(&pricingdomain.Resource{ID: "res", OwnerID: "owner"}).Error)
	p := pricingdomain.Pricing{ID: f.node.Generate(), ResourceID: "res", Name: "plan", ChargePerRequest: amount.MustParse("0.01")}
	require.NoError(t, f.db.Create(&p).Error)
	for _, sub := range []string{"s1", "s2"} {
		require.NoError(t, f.db.Create(&pricingdomain.Subscription{ID: f.node.Generate(), SubscriberID: sub, ResourceID: "res", PricingID: p.ID}).Error)
		_, err := f.usage.Record(ctx, usagedomain.RecordEventRequest{SubscriberID: sub, ResourceID: "res", Volume: 2})
		require.NoError(t, err)
	}

	require.NoError(t, f.sched.BillingSweepJob(ctx))
	assert.Equal(t, 2, queued(t, f.queues.Usage))
	assert.Zero(t, queued(t, f.queues.Billing))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := setup(t, nil)

	err := f.sched.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(f.registry, "meterledger_scheduler_job_timeouts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunJobSkipsWhenLockIsHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)
	f := setup(t, locker)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, JobSettlementSweep, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	require.NoError(t, f.sched.runJob(ctx, JobSettlementSweep, 1, time.Second, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.False(t, ran)

	count, err := promtestutil.GatherAndCount(f.registry, "meterledger_scheduler_lock_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, locker.Release(ctx, JobSettlementSweep, token))
	require.NoError(t, f.sched.runJob(ctx, JobSettlementSweep, 1, time.Second, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.False(t, mr.Exists(lockKeyPrefix+JobSettlementSweep), "lock released after the run")
}
