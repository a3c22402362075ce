package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/retry"
	"go.uber.org/zap"
)

const (
	claimErrorBackoff = time.Second
	outcomeDuplicate  = "duplicate"
	outcomeReleased   = "released"
)

type ConsumerConfig struct {
	// Workers is the number of lanes processed concurrently.
	Workers int
	// Policy retries a failing handler before the message is dead-lettered.
	Policy retry.Policy
	// Heartbeat extends the lane lease while a handler runs. Zero disables it.
	Heartbeat time.Duration
	// RecoveryInterval is how often orphaned lanes are handed back out.
	RecoveryInterval time.Duration
}

// Consumer delivers messages of one queue to the router's handlers.
type Consumer struct {
	queue   *Queue
	router  *Router
	cfg     ConsumerConfig
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(q *Queue, router *Router, cfg ConsumerConfig, log *zap.Logger, metrics *obsmetrics.Metrics) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		queue:   q,
		router:  router,
		cfg:     cfg,
		log:     log.Named("queue.consumer." + q.Name()),
		metrics: metrics,
	}
}

// Start launches the workers. They run until Stop is called.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.work(ctx)
		}()
	}

	if rec, ok := c.queue.Backend().(Recoverer); ok && c.cfg.RecoveryInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.recoverLoop(ctx, rec)
		}()
	}
	c.log.Info("consumer started", zap.Int("workers", c.cfg.Workers), zap.Strings("topics", c.router.Topics()))
}

// Stop cancels the workers and waits for in-flight messages, or ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) work(ctx context.Context) {
	for {
		if err := c.ProcessNext(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.log.Error("claim failed", zap.Error(err))
			select {
			case <-time.After(claimErrorBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) recoverLoop(ctx context.Context, rec Recoverer) {
	ticker := time.NewTicker(c.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rec.Recover(ctx)
			if err != nil {
				c.log.Warn("lane recovery failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.log.Info("recovered orphaned lanes", zap.Int("lanes", n))
			}
		}
	}
}

// ProcessNext claims the next ready lane and handles its head message. It
// blocks until a message is available or ctx is done.
func (c *Consumer) ProcessNext(ctx context.Context) error {
	msg, err := c.queue.Backend().Claim(ctx)
	if err != nil {
		return err
	}
	c.handle(ctx, msg)
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	backend := c.queue.Backend()
	start := time.Now()
	log := c.log.With(
		zap.String("topic", msg.Topic),
		zap.String("ordering_key", msg.OrderingKey),
		zap.String("message_id", msg.ID),
	)

	attempts, err := c.dispatch(ctx, msg)
	bctx := context.WithoutCancel(ctx)

	// Shutdown mid delivery leaves the message at the head of its lane.
	if err != nil && ctx.Err() != nil {
		if relErr := backend.Release(bctx, msg); relErr != nil {
			log.Warn("release failed", zap.Error(relErr))
		}
		c.metrics.RecordDelivery(c.queue.Name(), msg.Topic, outcomeReleased, time.Since(start))
		return
	}

	outcome := obsmetrics.OutcomeSuccess
	switch {
	case err == nil:
	case alreadyApplied(err):
		outcome = outcomeDuplicate
		log.Debug("message already applied", zap.Error(err))
	default:
		outcome = obsmetrics.OutcomeFailed
		log.Error("message dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
		dl := DeadLetter{Message: msg, Error: err.Error(), Attempts: attempts, FailedAt: time.Now().UTC()}
		if dlErr := backend.DeadLetter(bctx, dl); dlErr != nil {
			log.Error("dead letter write failed", zap.Error(dlErr))
		}
		c.metrics.RecordDeadLetter(c.queue.Name(), msg.Topic)
	}

	if ackErr := backend.Ack(bctx, msg); ackErr != nil {
		log.Warn("ack failed", zap.Error(ackErr))
	}
	c.metrics.RecordDelivery(c.queue.Name(), msg.Topic, outcome, time.Since(start))
}

// alreadyApplied reports whether err only says the work was done before. A
// joined error qualifies when every one of its errors does.
func alreadyApplied(err error) bool {
	for err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			children := joined.Unwrap()
			if len(children) == 0 {
				return false
			}
			for _, child := range children {
				if !alreadyApplied(child) {
					return false
				}
			}
			return true
		}
		if e, ok := err.(*errs.Error); ok && e.Kind == errs.KindAlreadyExists {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func (c *Consumer) dispatch(ctx context.Context, msg Message) (int, error) {
	h, ok := c.router.Lookup(msg.Topic)
	if !ok {
		return 0, ErrNoHandler.WithMessage("no handler for topic %q", msg.Topic)
	}

	stop := c.heartbeat(ctx, msg)
	defer stop()

	attempts := 0
	policy := c.cfg.Policy
	policy.Notify = func(err error, next time.Duration) {
		c.log.Warn("handler failed, retrying",
			zap.String("topic", msg.Topic),
			zap.String("ordering_key", msg.OrderingKey),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err),
		)
	}
	err := retry.Run(ctx, policy, func(ctx context.Context) error {
		attempts++
		dctx := WithDelivery(ctx, Delivery{
			Queue:       c.queue.Name(),
			Topic:       msg.Topic,
			OrderingKey: msg.OrderingKey,
			MessageID:   msg.ID,
			Attempt:     attempts,
		})
		return safeCall(dctx, h, msg)
	})
	return attempts, err
}

func (c *Consumer) heartbeat(ctx context.Context, msg Message) func() {
	if c.cfg.Heartbeat <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := c.queue.Backend().Extend(hctx, msg); err != nil && hctx.Err() == nil {
					c.log.Warn("lease extension failed", zap.String("ordering_key", msg.OrderingKey), zap.Error(err))
				}
			}
		}
	}()
	return cancel
}

func safeCall(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.KindInternal, "handler_panic", fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return h(ctx, msg)
}
