package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/authorization"
	"github.com/smallbiznis/meterledger/internal/billing"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	"github.com/smallbiznis/meterledger/internal/ledger"
	"github.com/smallbiznis/meterledger/internal/logger"
	"github.com/smallbiznis/meterledger/internal/migration"
	"github.com/smallbiznis/meterledger/internal/observability"
	"github.com/smallbiznis/meterledger/internal/payment"
	"github.com/smallbiznis/meterledger/internal/pricing"
	"github.com/smallbiznis/meterledger/internal/queue"
	"github.com/smallbiznis/meterledger/internal/quota"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	"github.com/smallbiznis/meterledger/internal/scheduler"
	"github.com/smallbiznis/meterledger/internal/server"
	"github.com/smallbiznis/meterledger/internal/settlement"
	"github.com/smallbiznis/meterledger/internal/usage"
	"github.com/smallbiznis/meterledger/internal/worker"
	"github.com/smallbiznis/meterledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Functional Domains
		pricing.Module,
		usage.Module,
		quota.Module,
		ledger.Module,
		settlement.Module,
		billing.Module,
		payment.Module,

		// Execution
		queue.Module,
		worker.Module,
		scheduler.Module,

		// Edge
		authorization.Module,
		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
