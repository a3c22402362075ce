package domain

import (
	"context"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/pk"
	"gorm.io/gorm"
)

type RecordEventRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`
	// PricingKey is resolved from the active subscription when empty.
	PricingKey     string `json:"pricing,omitempty"`
	Path           string `json:"path,omitempty"`
	Volume         int64  `json:"volume,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OccurredAt     int64  `json:"occurred_at,omitempty"`
}

type CollectRequest struct {
	SubscriberID string
	ResourceID   string
	Path         string
}

// BilledRefs are the ledger keys a billing run attaches to its summary.
type BilledRefs struct {
	SubscriberRequestCharge string
	OwnerRequestCharge      string
	SubscriberMonthlyCharge string
	OwnerMonthlyCharge      string
	ServiceFee              string
}

type Service interface {
	Record(ctx context.Context, req RecordEventRequest) (*UsageEvent, error)
	// Collect folds the pair's pending events into one summary per pricing.
	Collect(ctx context.Context, req CollectRequest) ([]UsageSummary, error)
	GetSummary(ctx context.Context, key pk.SummaryKey) (*UsageSummary, error)
	ListPendingSummaries(ctx context.Context, subscriberID, resourceID string, limit int) ([]UsageSummary, error)
	// ListPendingPairs returns the pairs that still have uncollected events.
	ListPendingPairs(ctx context.Context, limit int) ([]Pair, error)
	// MarkBilled flips a pending summary to billed inside tx. It fails with
	// ErrAlreadyBilled when the summary is no longer pending.
	MarkBilled(ctx context.Context, tx *gorm.DB, key pk.SummaryKey, refs BilledRefs, billedAt int64) error
	MarkError(ctx context.Context, key pk.SummaryKey) error
}

var (
	ErrInvalidSubscriber = errs.New(errs.KindBadInput, "invalid_subscriber", "subscriber id is required")
	ErrInvalidResource   = errs.New(errs.KindBadInput, "invalid_resource", "resource id is required")
	ErrInvalidVolume     = errs.New(errs.KindBadInput, "invalid_volume", "volume must be positive")
	ErrInvalidPricing    = errs.New(errs.KindBadInput, "invalid_pricing", "pricing key is malformed")
	ErrSummaryNotFound   = errs.New(errs.KindNotFound, "usage_summary_not_found", "usage summary not found")
	ErrAlreadyBilled     = errs.New(errs.KindConflict, "usage_summary_already_billed", "usage summary is not pending")
	ErrCollectConflict   = errs.New(errs.KindConflict, "usage_collect_conflict", "events were collected concurrently")
)
