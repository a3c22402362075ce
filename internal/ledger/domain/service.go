package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"github.com/smallbiznis/meterledger/pkg/pk"
	"gorm.io/gorm"
)

type CreateActivityRequest struct {
	UserID            string
	Direction         Direction
	Reason            Reason
	Amount            amount.Amount
	SettleAt          int64
	Description       string
	BilledResource    string
	ConsumedFreeQuota *int64
	UsageSummaryKey   string
	PaymentReference  string
	IdempotencyKey    string
}

type ListActivitiesRequest struct {
	UserID string
	Status Status
	pagination.Pagination
}

type ListActivitiesResponse struct {
	Activities []AccountActivity    `json:"activities"`
	PageInfo   pagination.PageInfo `json:"page_info"`
}

// MonthlyChargeTotal is the sum of minimum monthly charges a subscriber paid
// for one resource inside a collection window.
type MonthlyChargeTotal struct {
	Paid  amount.Amount
	Count int
}

// Service is the account activity store. Methods taking a tx join the
// caller's transaction when it is non-nil.
type Service interface {
	Create(ctx context.Context, tx *gorm.DB, req CreateActivityRequest) (*AccountActivity, error)
	Get(ctx context.Context, key pk.ActivityKey) (*AccountActivity, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*AccountActivity, error)
	// ListDue returns the user's pending activities with settleAt <= now,
	// oldest first, at most limit rows.
	ListDue(ctx context.Context, userID string, now int64, limit int) ([]AccountActivity, error)
	// ListDueUsers returns distinct users with at least one due activity.
	ListDueUsers(ctx context.Context, now int64, limit int) ([]string, error)
	// MarkSettled flips pending activities to settled, stamping the history
	// key, and reports how many rows actually flipped.
	MarkSettled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, history pk.HistoryKey) (int64, error)
	List(ctx context.Context, req ListActivitiesRequest) (ListActivitiesResponse, error)
	SumMonthlyCharges(ctx context.Context, tx *gorm.DB, subscriberID, resourceID string, since int64) (MonthlyChargeTotal, error)
	// PendingOutgoing sums every pending outgoing activity of the user.
	PendingOutgoing(ctx context.Context, userID string) (amount.Amount, error)
}
