package worker

import (
	"context"

	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	"github.com/smallbiznis/meterledger/internal/queue"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type HandlerParams struct {
	fx.In

	Log        *zap.Logger
	Billing    billingdomain.Service
	Settlement settlementdomain.Service
	Payment    paymentdomain.Service
}

type Handlers struct {
	log        *zap.Logger
	billing    billingdomain.Service
	settlement settlementdomain.Service
	payment    paymentdomain.Service
}

func NewHandlers(p HandlerParams) *Handlers {
	return &Handlers{
		log:        p.Log.Named("worker.handlers"),
		billing:    p.Billing,
		settlement: p.Settlement,
		payment:    p.Payment,
	}
}

// Routers holds one router per queue.
type Routers struct {
	Usage   *queue.Router
	Billing *queue.Router
}

func NewRouters(h *Handlers) *Routers {
	usage := queue.NewRouter()
	queue.On(usage, TopicBillingTrigger, h.TriggerBilling)

	billing := queue.NewRouter()
	queue.On(billing, TopicSettle, h.Settle)
	queue.On(billing, TopicTopup, h.Topup)
	queue.On(billing, TopicPayout, h.Payout)

	return &Routers{Usage: usage, Billing: billing}
}

func (h *Handlers) TriggerBilling(ctx context.Context, req billingdomain.TriggerRequest) error {
	if err := queue.EnforceOrderingKey(ctx, req.SubscriberID); err != nil {
		return err
	}
	res, err := h.billing.TriggerBilling(ctx, req)
	if res != nil {
		h.log.Debug("billing triggered",
			zap.String("subscriber_id", req.SubscriberID),
			zap.String("resource_id", req.ResourceID),
			zap.Int("collected", len(res.Collected)),
			zap.Int("billed", len(res.Billed)),
		)
	}
	return err
}

func (h *Handlers) Settle(ctx context.Context, req SettleRequest) error {
	if err := queue.EnforceOrderingKey(ctx, req.UserID); err != nil {
		return err
	}
	res, err := h.settlement.Settle(ctx, req.UserID)
	if err != nil {
		return err
	}
	h.log.Debug("settle handled", zap.String("user_id", req.UserID), zap.String("outcome", string(res.Outcome)))
	return nil
}

func (h *Handlers) Topup(ctx context.Context, req paymentdomain.TopupRequest) error {
	if err := queue.EnforceOrderingKey(ctx, req.UserID); err != nil {
		return err
	}
	_, err := h.payment.RecordTopup(ctx, req)
	return err
}

func (h *Handlers) Payout(ctx context.Context, req paymentdomain.PayoutRequest) error {
	if err := queue.EnforceOrderingKey(ctx, req.UserID); err != nil {
		return err
	}
	_, err := h.payment.RecordPayout(ctx, req)
	return err
}
