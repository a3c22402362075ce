package worker

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	billingservice "github.com/smallbiznis/meterledger/internal/billing/service"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerservice "github.com/smallbiznis/meterledger/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	paymentservice "github.com/smallbiznis/meterledger/internal/payment/service"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/meterledger/internal/pricing/service"
	"github.com/smallbiznis/meterledger/internal/queue"
	quotaservice "github.com/smallbiznis/meterledger/internal/quota/service"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	settlementservice "github.com/smallbiznis/meterledger/internal/settlement/service"
	"github.com/smallbiznis/meterledger/internal/testutil"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	usagerepo "github.com/smallbiznis/meterledger/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterledger/internal/usage/service"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	queues     *queue.Queues
	dispatcher *Dispatcher
	handlers   *Handlers
	usage      usagedomain.Service
	settlement settlementdomain.Service
	usageC     *queue.Consumer
	billingC   *queue.Consumer
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := config.Config{Queue: config.QueueConfig{Backend: queue.BackendMemory, DedupWindow: time.Minute}}
	queues, err := queue.NewQueues(queue.Params{Config: cfg, Log: log})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, q := range queues.All() {
			_ = q.Close()
		}
	})
	dispatcher := NewDispatcher(queues, log)

	resolver := pricingservice.NewService(pricingservice.Params{DB: db, Log: log, Clock: clk})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Pricing: resolver, Pairs: usagerepo.ProvidePairs(), Clock: clk,
	})
	quota := quotaservice.NewService(quotaservice.Params{DB: db, Log: log, GenID: node})
	settlement := settlementservice.NewService(settlementservice.Params{DB: db, Log: log, GenID: node, Ledger: ledger, Clock: clk})
	billing := billingservice.NewService(billingservice.Params{
		DB: db, Log: log, Usage: usage, Quota: quota, Ledger: ledger, Pricing: resolver,
		Settlements: dispatcher, Clock: clk,
	})
	payment := paymentservice.NewService(paymentservice.Params{DB: db, Log: log, Ledger: ledger, Settlement: settlement, Clock: clk})

	handlers := NewHandlers(HandlerParams{Log: log, Billing: billing, Settlement: settlement, Payment: payment})
	routers := NewRouters(handlers)
	ccfg := queue.ConsumerConfig{Workers: 1, Policy: retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, Jitter: retry.NoJitter}}

	return fixture{
		db: db, node: node, queues: queues, dispatcher: dispatcher, handlers: handlers,
		usage: usage, settlement: settlement,
		usageC:   queue.NewConsumer(queues.Usage, routers.Usage, ccfg, log, nil),
		billingC: queue.NewConsumer(queues.Billing, routers.Billing, ccfg, log, nil),
	}
}

// drain processes until both queues are empty.
func (f fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		usageLeft, err := f.queues.Usage.Len(ctx)
		require.NoError(t, err)
		billingLeft, err := f.queues.Billing.Len(ctx)
		require.NoError(t, err)
		switch {
		case usageLeft > 0:
			require.NoError(t, f.usageC.ProcessNext(ctx))
		case billingLeft > 0:
			require.NoError(t, f.billingC.ProcessNext(ctx))
		default:
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (f fixture) balance(t *testing.T, user string) string {
	t.Helper()
	b, err := f.settlement.Balance(context.Background(), user)
	require.NoError(t, err)
	return b.String()
}

func TestBillingTriggerFlowsIntoSettlement(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.db.Create(&pricingdomain.Resource{ID: "res", OwnerID: "owner"}).Error)
	p := pricingdomain.Pricing{
		ID: f.node.Generate(), ResourceID: "res", Name: "plan",
		MinMonthlyCharge: amount.MustParse("10"), ChargePerRequest: amount.MustParse("0.001"),
	}
	require.NoError(t, f.db.Create(&p).Error)
	require.NoError(t, f.db.Create(&pricingdomain.Subscription{ID: f.node.Generate(), SubscriberID: "sub", ResourceID: "res", PricingID: p.ID}).Error)

	_, err := f.usage.Record(ctx, usagedomain.RecordEventRequest{SubscriberID: "sub", ResourceID: "res", Volume: 1})
	require.NoError(t, err)

	accepted, err := f.dispatcher.EnqueueBilling(ctx, billingdomain.TriggerRequest{SubscriberID: "sub", ResourceID: "res"}, "req-1")
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = f.dispatcher.EnqueueBilling(ctx, billingdomain.TriggerRequest{SubscriberID: "sub", ResourceID: "res"}, "req-1")
	require.NoError(t, err)
	assert.False(t, accepted, "same request id is deduplicated")

	f.drain(t)

	assert.Equal(t, "-10.001", f.balance(t, "sub"))
	assert.Equal(t, "0.0007", f.balance(t, "owner"))

	dead, err := f.queues.Billing.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPaymentsRunInsideUserLanes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	topup := paymentdomain.TopupRequest{UserID: "owner", Amount: amount.MustParse("20"), Reference: "pi_1"}
	accepted, err := f.dispatcher.EnqueueTopup(ctx, topup)
	require.NoError(t, err)
	assert.True(t, accepted)
	accepted, err = f.dispatcher.EnqueueTopup(ctx, topup)
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = f.dispatcher.ScheduleSettlement(ctx, "owner", "")
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, "20", f.balance(t, "owner"))

	_, err = f.dispatcher.EnqueuePayout(ctx, paymentdomain.PayoutRequest{
		UserID: "owner", WithdrawAmount: amount.MustParse("15"), ReceiveAmount: amount.MustParse("14"), Reference: "po_1",
	})
	require.NoError(t, err)
	_, err = f.dispatcher.EnqueuePayout(ctx, paymentdomain.PayoutRequest{
		UserID: "owner", WithdrawAmount: amount.MustParse("15"), ReceiveAmount: amount.MustParse("15"), Reference: "po_2",
	})
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.EnqueueSettlement(ctx, "owner"))
	f.drain(t)

	assert.Equal(t, "5", f.balance(t, "owner"))
	dead, err := f.queues.Billing.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, TopicPayout, dead[0].Message.Topic)
	assert.Contains(t, dead[0].Error, "insufficient_balance")
}

func TestHandlersRejectWritesOutsideTheirLane(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.handlers.Settle(ctx, SettleRequest{UserID: "u1"})
	assert.ErrorIs(t, err, queue.ErrOutsideLane)

	// A settlement for u2 smuggled into the lane of u1.
	_, err = f.queues.Billing.Enqueue(ctx, "u1", "", TopicSettle, SettleRequest{UserID: "u2"})
	require.NoError(t, err)
	f.drain(t)

	dead, err := f.queues.Billing.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Error, "outside_lane")
}
