package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeBilled Outcome = "billed"
	// OutcomeSkipped means the summary was billed before, by this or another run.
	OutcomeSkipped Outcome = "skipped"
)

type BillRequest struct {
	Summary      usagedomain.UsageSummary
	SubscriberID string
	OwnerID      string
	// ForceMonthlyCharge bills the full minimum monthly charge regardless of
	// what was paid inside the collection window.
	ForceMonthlyCharge   bool
	DisableMonthlyCharge bool
}

// Activities are the ledger entries one billing run wrote. Monthly charges are
// nil when no minimum monthly charge was due.
type Activities struct {
	SubscriberRequestCharge *ledgerdomain.AccountActivity `json:"subscriber_request_charge"`
	OwnerRequestCharge      *ledgerdomain.AccountActivity `json:"owner_request_charge"`
	ServiceFee              *ledgerdomain.AccountActivity `json:"service_fee"`
	SubscriberMonthlyCharge *ledgerdomain.AccountActivity `json:"subscriber_monthly_charge,omitempty"`
	OwnerMonthlyCharge      *ledgerdomain.AccountActivity `json:"owner_monthly_charge,omitempty"`
}

type BillResult struct {
	Outcome      Outcome                  `json:"outcome"`
	Summary      usagedomain.UsageSummary `json:"summary"`
	Activities   Activities               `json:"activities"`
	VolumeFree   int64                    `json:"volume_free"`
	VolumeBilled int64                    `json:"volume_billed"`
}

// MonthlyCharge is the decision on the minimum monthly charge for one run.
type MonthlyCharge struct {
	ShouldBill bool
	Amount     amount.Amount
	// IsUpgrade is set when part of the minimum was already paid in the
	// window, which happens after a plan upgrade.
	IsUpgrade bool
}

type TriggerRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`
	Path         string `json:"path,omitempty"`
}

type TriggerResult struct {
	OwnerID   string                     `json:"owner_id"`
	Collected []usagedomain.UsageSummary `json:"collected"`
	Billed    []BillResult               `json:"billed"`
}

type Service interface {
	Bill(ctx context.Context, req BillRequest) (*BillResult, error)
	ShouldCollectMonthlyCharge(ctx context.Context, tx *gorm.DB, subscriberID, resourceID string, pricing pricingdomain.Pricing, volumeBillable int64) (MonthlyCharge, error)
	// TriggerBilling collects the pair's pending usage, bills every pending
	// summary and schedules settlement for both parties.
	TriggerBilling(ctx context.Context, req TriggerRequest) (*TriggerResult, error)
}

// SettlementScheduler hands a user's settlement to the serialized billing lane.
type SettlementScheduler interface {
	EnqueueSettlement(ctx context.Context, userID string) error
}

var (
	ErrInvalidSubscriber = errs.New(errs.KindBadInput, "invalid_subscriber", "subscriber id is required")
	ErrInvalidOwner      = errs.New(errs.KindBadInput, "invalid_owner", "resource owner id is required")
	ErrInvalidResource   = errs.New(errs.KindBadInput, "invalid_resource", "resource id is required")
	ErrSummaryMismatch   = errs.New(errs.KindBadInput, "summary_mismatch", "usage summary does not belong to subscriber")
	ErrPricingGone       = errs.New(errs.KindNotFound, "pricing_deleted", "pricing of usage summary no longer exists")
)
