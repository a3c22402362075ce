package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterledger/internal/authorization"
	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/meterledger/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	"github.com/smallbiznis/meterledger/internal/queue"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"github.com/smallbiznis/meterledger/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(func(d *worker.Dispatcher) Dispatcher { return d }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// Dispatcher is the write path: every ledger mutation the API accepts goes
// through the serialized queues.
type Dispatcher interface {
	EnqueueBilling(ctx context.Context, req billingdomain.TriggerRequest, dedupKey string) (bool, error)
	ScheduleSettlement(ctx context.Context, userID, dedupKey string) (bool, error)
	EnqueueTopup(ctx context.Context, req paymentdomain.TopupRequest) (bool, error)
	EnqueuePayout(ctx context.Context, req paymentdomain.PayoutRequest) (bool, error)
}

type EngineParams struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Gatherer prometheus.Gatherer `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(p.Log, obslogger.MiddlewareConfig{
		Debug:           !p.Cfg.IsProduction(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	authzSvc      authorization.Service
	usageSvc      usagedomain.Service
	ledgerSvc     ledgerdomain.Service
	settlementSvc settlementdomain.Service
	dispatcher    Dispatcher
	queues        *queue.Queues
	usageLimiter  *ratelimit.UsageLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	AuthzSvc      authorization.Service
	UsageSvc      usagedomain.Service
	LedgerSvc     ledgerdomain.Service
	SettlementSvc settlementdomain.Service
	Dispatcher    Dispatcher
	Queues        *queue.Queues
	UsageLimiter  *ratelimit.UsageLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		authzSvc:      p.AuthzSvc,
		usageSvc:      p.UsageSvc,
		ledgerSvc:     p.LedgerSvc,
		settlementSvc: p.SettlementSvc,
		dispatcher:    p.Dispatcher,
		queues:        p.Queues,
		usageLimiter:  p.UsageLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.ActorContext())

	// -------- Usage --------
	api.POST("/usage",
		s.Authorize(authorization.ObjectUsage, authorization.ActionUsageRecord, noOwner),
		s.UsageRateLimit(),
		s.RecordUsage,
	)

	// -------- Billing --------
	api.POST("/billing/trigger",
		s.Authorize(authorization.ObjectBilling, authorization.ActionBillingTrigger, noOwner),
		s.TriggerBilling,
	)

	// -------- Accounts --------
	accounts := api.Group("/accounts/:user_id")
	{
		accounts.POST("/settle",
			s.Authorize(authorization.ObjectSettlement, authorization.ActionSettlementSettle, ownerFromPath),
			s.Settle,
		)
		accounts.GET("/balance",
			s.Authorize(authorization.ObjectSettlement, authorization.ActionSettlementView, ownerFromPath),
			s.GetBalance,
		)
		accounts.GET("/history",
			s.Authorize(authorization.ObjectSettlement, authorization.ActionSettlementView, ownerFromPath),
			s.ListHistory,
		)
		accounts.GET("/activities",
			s.Authorize(authorization.ObjectLedger, authorization.ActionLedgerView, ownerFromPath),
			s.ListActivities,
		)
	}

	// -------- Payments --------
	// Payouts are authorised inside the handler: the owner is in the body.
	api.POST("/payments/topups",
		s.Authorize(authorization.ObjectPayment, authorization.ActionPaymentTopup, noOwner),
		s.RecordTopup,
	)
	api.POST("/payments/payouts", s.RecordPayout)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.ActorContext())
	admin.Use(s.Authorize(authorization.ObjectQueue, authorization.ActionQueueView, noOwner))

	admin.GET("/queues/:queue", s.GetQueue)
	admin.GET("/queues/:queue/dead-letters", s.ListDeadLetters)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
