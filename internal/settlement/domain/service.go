package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	// OutcomeNoop means nothing was due.
	OutcomeNoop Outcome = "noop"
	// OutcomeAlreadySettled means a concurrent run produced the next link of
	// the chain or consumed the due activities first.
	OutcomeAlreadySettled Outcome = "already_settled"
)

type Result struct {
	Outcome  Outcome                        `json:"outcome"`
	New      *ledgerdomain.AccountHistory   `json:"new_account_history,omitempty"`
	Previous *ledgerdomain.AccountHistory   `json:"previous_account_history,omitempty"`
	Settled  []ledgerdomain.AccountActivity `json:"settled_activities,omitempty"`
}

type ListHistoryRequest struct {
	UserID string
	pagination.Pagination
}

type ListHistoryResponse struct {
	Histories []ledgerdomain.AccountHistory `json:"histories"`
	PageInfo  pagination.PageInfo          `json:"page_info"`
}

type Service interface {
	// Settle folds the user's due activities into a new account history.
	Settle(ctx context.Context, userID string) (*Result, error)
	// Balance is the closing balance of the latest history, zero if none.
	Balance(ctx context.Context, userID string) (amount.Amount, error)
	// Latest returns nil when the user was never settled.
	Latest(ctx context.Context, userID string) (*ledgerdomain.AccountHistory, error)
	History(ctx context.Context, req ListHistoryRequest) (ListHistoryResponse, error)
}

var (
	ErrInvalidUser = errs.New(errs.KindBadInput, "invalid_user", "user id is required")
	// ErrAlreadySettled aborts the settlement transaction. Settle reports it as
	// OutcomeAlreadySettled rather than returning it.
	ErrAlreadySettled = errs.New(errs.KindAlreadyExists, "already_settled", "settlement already performed by a concurrent run")
)
