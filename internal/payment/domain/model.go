package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

// TopupRequest credits a user with funds received by the payment provider.
type TopupRequest struct {
	UserID      string        `json:"user_id"`
	Amount      amount.Amount `json:"amount"`
	Reference   string        `json:"reference"`
	Description string        `json:"description,omitempty"`
}

// PayoutRequest debits WithdrawAmount from the user; ReceiveAmount is what
// reaches them and the difference is the payout fee.
type PayoutRequest struct {
	UserID         string        `json:"user_id"`
	WithdrawAmount amount.Amount `json:"withdraw_amount"`
	ReceiveAmount  amount.Amount `json:"receive_amount"`
	Reference      string        `json:"reference"`
}

type TopupResult struct {
	Activity *ledgerdomain.AccountActivity `json:"activity"`
	// Duplicate is set when the reference was already recorded.
	Duplicate bool `json:"duplicate"`
}

type PayoutResult struct {
	Payout    *ledgerdomain.AccountActivity `json:"payout"`
	Fee       *ledgerdomain.AccountActivity `json:"payout_fee"`
	Duplicate bool                          `json:"duplicate"`
}

type Service interface {
	RecordTopup(ctx context.Context, req TopupRequest) (*TopupResult, error)
	RecordPayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

var (
	ErrInvalidUser            = errs.New(errs.KindBadInput, "invalid_user", "user id is required")
	ErrInvalidReference       = errs.New(errs.KindBadInput, "invalid_reference", "payment reference is required")
	ErrInvalidAmount          = errs.New(errs.KindBadInput, "invalid_amount", "amount must be positive")
	ErrReceiveExceedsWithdraw = errs.New(errs.KindBadInput, "receive_exceeds_withdraw", "receive amount cannot exceed the withdraw amount")
	ErrInsufficientBalance    = errs.New(errs.KindBadInput, "insufficient_balance", "balance does not cover the withdraw amount")
)
