package worker

import (
	"context"

	"github.com/google/uuid"
	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	"github.com/smallbiznis/meterledger/internal/queue"
	"go.uber.org/zap"
)

// Dispatcher is the only way work reaches the lanes.
type Dispatcher struct {
	queues *queue.Queues
	log    *zap.Logger
}

func NewDispatcher(queues *queue.Queues, log *zap.Logger) *Dispatcher {
	return &Dispatcher{queues: queues, log: log.Named("worker.dispatcher")}
}

var _ billingdomain.SettlementScheduler = (*Dispatcher)(nil)

// EnqueueBilling schedules a billing run for the pair. An empty dedupKey
// never collides.
func (d *Dispatcher) EnqueueBilling(ctx context.Context, req billingdomain.TriggerRequest, dedupKey string) (bool, error) {
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	}
	return d.queues.Usage.Enqueue(ctx, req.SubscriberID, queue.DedupKey(TopicBillingTrigger, dedupKey), TopicBillingTrigger, req)
}

// EnqueueSettlement is called after billing wrote activities for userID.
func (d *Dispatcher) EnqueueSettlement(ctx context.Context, userID string) error {
	_, err := d.ScheduleSettlement(ctx, userID, "")
	return err
}

func (d *Dispatcher) ScheduleSettlement(ctx context.Context, userID, dedupKey string) (bool, error) {
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	}
	return d.queues.Billing.Enqueue(ctx, userID, queue.DedupKey(TopicSettle, userID, dedupKey), TopicSettle, SettleRequest{UserID: userID})
}

// EnqueueTopup deduplicates on the payment reference.
func (d *Dispatcher) EnqueueTopup(ctx context.Context, req paymentdomain.TopupRequest) (bool, error) {
	return d.queues.Billing.Enqueue(ctx, req.UserID, queue.DedupKey(TopicTopup, req.UserID, req.Reference), TopicTopup, req)
}

// EnqueuePayout deduplicates on the payment reference.
func (d *Dispatcher) EnqueuePayout(ctx context.Context, req paymentdomain.PayoutRequest) (bool, error) {
	return d.queues.Billing.Enqueue(ctx, req.UserID, queue.DedupKey(TopicPayout, req.UserID, req.Reference), TopicPayout, req)
}
