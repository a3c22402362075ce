// Package worker binds the execution queues to the billing, settlement and
// payment services. Every billing-affecting write runs inside the lane of the
// ledger user it is for.
package worker

const (
	// TopicBillingTrigger runs on the usage queue, laned by subscriber.
	TopicBillingTrigger = "billing.trigger"

	// The remaining topics run on the billing queue, laned by ledger user.
	TopicSettle = "settlement.settle"
	TopicTopup  = "payment.topup"
	TopicPayout = "payment.payout"
)

type SettleRequest struct {
	UserID string `json:"user_id"`
}
