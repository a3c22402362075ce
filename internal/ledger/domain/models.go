package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/pk"
)

// Direction says whether an activity adds to or takes from the user's balance.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type Reason string

const (
	ReasonAPIPerRequestCharge        Reason = "api_per_request_charge"
	ReasonAPIMinMonthlyCharge        Reason = "api_min_monthly_charge"
	ReasonAPIMinMonthlyChargeUpgrade Reason = "api_min_monthly_charge_upgrade"
	ReasonPlatformServiceFee         Reason = "platform_service_fee"
	ReasonPayout                     Reason = "payout"
	ReasonPayoutFee                  Reason = "payout_fee"
	ReasonTopup                      Reason = "topup"
)

// AllowedDirections lists the directions an activity with this reason may take.
func (r Reason) AllowedDirections() []Direction {
	switch r {
	case ReasonAPIPerRequestCharge, ReasonAPIMinMonthlyCharge, ReasonAPIMinMonthlyChargeUpgrade:
		return []Direction{DirectionIncoming, DirectionOutgoing}
	case ReasonPlatformServiceFee, ReasonPayout, ReasonPayoutFee:
		return []Direction{DirectionOutgoing}
	case ReasonTopup:
		return []Direction{DirectionIncoming}
	}
	return nil
}

func (r Reason) Allows(d Direction) bool {
	for _, allowed := range r.AllowedDirections() {
		if allowed == d {
			return true
		}
	}
	return false
}

// IsMonthlyCharge reports whether r counts toward the minimum monthly charge.
func (r Reason) IsMonthlyCharge() bool {
	return r == ReasonAPIMinMonthlyCharge || r == ReasonAPIMinMonthlyChargeUpgrade
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
)

// AccountActivity is a signed ledger line waiting for, or folded into, an
// account history. Once settled only AccountHistoryKey is ever written.
type AccountActivity struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID            string        `gorm:"type:text;not null;index:idx_account_activities_user_due,priority:1;uniqueIndex:ux_account_activities_idempotency,priority:1" json:"user_id"`
	Direction         Direction     `gorm:"type:text;not null" json:"direction"`
	Reason            Reason        `gorm:"type:text;not null" json:"reason"`
	Amount            amount.Amount `gorm:"type:text;not null" json:"amount"`
	Status            Status        `gorm:"type:text;not null;index:idx_account_activities_user_due,priority:2;index:idx_account_activities_due,priority:1" json:"status"`
	SettleAt          int64         `gorm:"not null;index:idx_account_activities_user_due,priority:3;index:idx_account_activities_due,priority:2" json:"settle_at"`
	Description       string        `gorm:"type:text" json:"description,omitempty"`
	BilledResource    *string       `gorm:"type:text;index" json:"billed_resource,omitempty"`
	ConsumedFreeQuota *int64        `json:"consumed_free_quota,omitempty"`
	UsageSummaryKey   *string       `gorm:"type:text;index" json:"usage_summary,omitempty"`
	PaymentReference  *string       `gorm:"type:text" json:"payment_reference,omitempty"`
	AccountHistoryKey *string       `gorm:"type:text" json:"account_history,omitempty"`
	IdempotencyKey    *string       `gorm:"type:text;uniqueIndex:ux_account_activities_idempotency,priority:2" json:"-"`
	CreatedAt         time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (AccountActivity) TableName() string { return "account_activities" }

func (a AccountActivity) Key() pk.ActivityKey {
	return pk.ActivityKey{User: a.UserID, ID: a.ID}
}

// Signed returns the amount with the direction applied: incoming adds,
// outgoing subtracts.
func (a AccountActivity) Signed() amount.Amount {
	if a.Direction == DirectionOutgoing {
		return a.Amount.Neg()
	}
	return a.Amount
}

// AccountHistory is one link of a user's settlement chain. The chain key is
// (user, sequential id) and each link starts where its predecessor closed.
type AccountHistory struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	UserID          string        `gorm:"type:text;not null;uniqueIndex:ux_account_histories_chain,priority:1" json:"user_id"`
	SequentialID    int64         `gorm:"not null;uniqueIndex:ux_account_histories_chain,priority:2" json:"sequential_id"`
	StartingBalance amount.Amount `gorm:"type:text;not null" json:"starting_balance"`
	ClosingBalance  amount.Amount `gorm:"type:text;not null" json:"closing_balance"`
	StartingTime    int64         `gorm:"not null" json:"starting_time"`
	ClosingTime     int64         `gorm:"not null" json:"closing_time"`
	CreatedAt       time.Time     `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (AccountHistory) TableName() string { return "account_histories" }

func (h AccountHistory) Key() pk.HistoryKey {
	return pk.HistoryKey{User: h.UserID, SequentialID: h.SequentialID}
}
