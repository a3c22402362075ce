package worker

import (
	"context"

	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	"github.com/smallbiznis/meterledger/internal/config"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("worker",
	fx.Provide(NewDispatcher),
	fx.Provide(func(d *Dispatcher) billingdomain.SettlementScheduler { return d }),
	fx.Provide(NewHandlers),
	fx.Provide(NewRouters),
	fx.Invoke(runConsumers),
)

type consumerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     config.Config
	Log        *zap.Logger
	Queues     *queue.Queues
	Routers    *Routers
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func runConsumers(p consumerParams) {
	ccfg := queue.ConsumerConfigFrom(p.Config.Queue)
	consumers := []*queue.Consumer{
		queue.NewConsumer(p.Queues.Usage, p.Routers.Usage, ccfg, p.Log, p.ObsMetrics),
		queue.NewConsumer(p.Queues.Billing, p.Routers.Billing, ccfg, p.Log, p.ObsMetrics),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, c := range consumers {
				c.Start()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			for _, c := range consumers {
				if err := c.Stop(ctx); err != nil {
					p.Log.Warn("consumer stop timed out", zap.Error(err))
				}
			}
			return nil
		},
	})
}
