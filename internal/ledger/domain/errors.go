package domain

import "github.com/smallbiznis/meterledger/pkg/errs"

var (
	ErrInvalidUser       = errs.New(errs.KindBadInput, "invalid_user", "user id is required")
	ErrInvalidReason     = errs.New(errs.KindBadInput, "invalid_reason", "unknown activity reason")
	ErrInvalidDirection  = errs.New(errs.KindBadInput, "invalid_direction", "direction is not allowed for this reason")
	ErrInvalidAmount     = errs.New(errs.KindBadInput, "invalid_amount", "activity amount cannot be negative")
	ErrInvalidSettleAt   = errs.New(errs.KindBadInput, "invalid_settle_at", "settle at must be a positive unix millisecond timestamp")
	ErrActivityNotFound  = errs.New(errs.KindNotFound, "activity_not_found", "account activity not found")
	ErrDuplicateActivity = errs.New(errs.KindAlreadyExists, "activity_exists", "account activity already recorded")
	ErrHistoryNotFound   = errs.New(errs.KindNotFound, "history_not_found", "account history not found")
)
