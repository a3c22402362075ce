// Package scheduler runs the periodic sweeps. Sweeps never write billing
// state themselves: they find work and hand it to the execution queues.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSettlementSweep = "settlement_sweep"
	JobBillingSweep    = "billing_sweep"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

// Dispatcher is the part of the worker dispatcher the sweeps use.
type Dispatcher interface {
	ScheduleSettlement(ctx context.Context, userID, dedupKey string) (bool, error)
	EnqueueBilling(ctx context.Context, req billingdomain.TriggerRequest, dedupKey string) (bool, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	Dispatcher Dispatcher
	Locker     *Locker                      `optional:"true"`
	Clock      clock.Clock                  `optional:"true"`
	Metrics    *obsmetrics.SchedulerMetrics `optional:"true"`
	Config     Config                       `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	dispatcher Dispatcher
	locker     *Locker
	metrics    *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Ledger == nil || p.Usage == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      c,
		ledger:     p.Ledger,
		usage:      p.Usage,
		dispatcher: p.Dispatcher,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	token, acquired, err := s.locker.TryLock(parent, name, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	if !acquired {
		s.metrics.IncLockSkipped(name)
		s.log.Debug("job skipped, lock held elsewhere", zap.String("job", name))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(parent), name, token); err != nil {
			s.log.Warn("lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout: the next run picks up the rest.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobBillingSweep, s.BillingSweepJob},
		{JobSettlementSweep, s.SettlementSweepJob},
	}

	var err error
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// bucket names the current run window so a retried sweep inside the same
// window is dropped by the queue.
func (s *Scheduler) bucket() int64 {
	return s.clock.Now().UnixMilli() / s.cfg.RunInterval.Milliseconds()
}

// SettlementSweepJob enqueues a settlement for every user with due pending
// activities.
func (s *Scheduler) SettlementSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSettlementSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	users, err := s.ledger.ListDueUsers(ctx, clock.Millis(s.clock), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	dedup := fmt.Sprintf("sweep:%d", s.bucket())
	enqueued := 0
	var joined error
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return errors.Join(joined, err)
		}
		accepted, err := s.dispatcher.ScheduleSettlement(ctx, user, dedup)
		if err != nil {
			s.logSchedulerError(ctx, run, "enqueue settlement failed", err, zap.String("user_id", user))
			joined = errors.Join(joined, err)
			continue
		}
		if accepted {
			enqueued++
		}
	}
	run.AddProcessed(enqueued)
	s.metrics.AddBatchProcessed(JobSettlementSweep, "users", enqueued)
	return joined
}

// BillingSweepJob enqueues a billing run for every pair with pending usage.
func (s *Scheduler) BillingSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBillingSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	pairs, err := s.usage.ListPendingPairs(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	bucket := s.bucket()
	enqueued := 0
	var joined error
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return errors.Join(joined, err)
		}
		req := billingdomain.TriggerRequest{SubscriberID: pair.SubscriberID, ResourceID: pair.ResourceID}
		dedup := fmt.Sprintf("sweep:%s:%s:%d", pair.SubscriberID, pair.ResourceID, bucket)
		accepted, err := s.dispatcher.EnqueueBilling(ctx, req, dedup)
		if err != nil {
			s.logSchedulerError(ctx, run, "enqueue billing failed", err,
				zap.String("subscriber_id", pair.SubscriberID),
				zap.String("resource_id", pair.ResourceID),
			)
			joined = errors.Join(joined, err)
			continue
		}
		if accepted {
			enqueued++
		}
	}
	run.AddProcessed(enqueued)
	s.metrics.AddBatchProcessed(JobBillingSweep, "pairs", enqueued)
	return joined
}
