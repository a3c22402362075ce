package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/meterledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Settlement settlementdomain.Service
	Clock      clock.Clock `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	ledger     ledgerdomain.Service
	settlement settlementdomain.Service
	clock      clock.Clock
}

func NewService(p Params) paymentdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		ledger:     p.Ledger,
		settlement: p.Settlement,
		clock:      c,
	}
}

func topupKey(ref string) string     { return "topup:" + ref }
func payoutKey(ref string) string    { return "payout:" + ref }
func payoutFeeKey(ref string) string { return "payout_fee:" + ref }

func (s *Service) RecordTopup(ctx context.Context, req paymentdomain.TopupRequest) (*paymentdomain.TopupResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, paymentdomain.ErrInvalidUser
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return nil, paymentdomain.ErrInvalidReference
	}
	if !req.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}

	activity, err := s.ledger.Create(ctx, nil, ledgerdomain.CreateActivityRequest{
		UserID:           userID,
		Direction:        ledgerdomain.DirectionIncoming,
		Reason:           ledgerdomain.ReasonTopup,
		Amount:           req.Amount,
		SettleAt:         clock.Millis(s.clock),
		Description:      req.Description,
		PaymentReference: ref,
		IdempotencyKey:   topupKey(ref),
	})
	if errors.Is(err, errs.ErrAlreadyExists) {
		existing, findErr := s.ledger.FindByIdempotencyKey(ctx, userID, topupKey(ref))
		if findErr != nil {
			return nil, findErr
		}
		return &paymentdomain.TopupResult{Activity: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("topup recorded",
		zap.String("user_id", userID),
		zap.String("reference", ref),
		zap.String("amount", req.Amount.String()),
	)
	return &paymentdomain.TopupResult{Activity: activity}, nil
}

func (s *Service) RecordPayout(ctx context.Context, req paymentdomain.PayoutRequest) (*paymentdomain.PayoutResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, paymentdomain.ErrInvalidUser
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return nil, paymentdomain.ErrInvalidReference
	}
	if !req.WithdrawAmount.IsPositive() || req.ReceiveAmount.IsNegative() {
		return nil, paymentdomain.ErrInvalidAmount
	}
	fee := req.WithdrawAmount.Sub(req.ReceiveAmount)
	if fee.IsNegative() {
		return nil, paymentdomain.ErrReceiveExceedsWithdraw
	}

	// A replay must not be judged against the balance it already reduced.
	if existing, err := s.existingPayout(ctx, userID, ref); err != nil || existing != nil {
		return existing, err
	}

	balance, err := s.settlement.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.PendingOutgoing(ctx, userID)
	if err != nil {
		return nil, err
	}
	available := balance.Sub(pending)
	if available.LessThan(req.WithdrawAmount) {
		return nil, paymentdomain.ErrInsufficientBalance.WithMessage(
			"available %s does not cover withdraw %s", available, req.WithdrawAmount)
	}

	now := clock.Millis(s.clock)
	result := &paymentdomain.PayoutResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := s.ledger.Create(ctx, tx, ledgerdomain.CreateActivityRequest{
			UserID:           userID,
			Direction:        ledgerdomain.DirectionOutgoing,
			Reason:           ledgerdomain.ReasonPayout,
			Amount:           req.ReceiveAmount,
			SettleAt:         now,
			PaymentReference: ref,
			IdempotencyKey:   payoutKey(ref),
		})
		if err != nil {
			return err
		}
		payoutFee, err := s.ledger.Create(ctx, tx, ledgerdomain.CreateActivityRequest{
			UserID:           userID,
			Direction:        ledgerdomain.DirectionOutgoing,
			Reason:           ledgerdomain.ReasonPayoutFee,
			Amount:           fee,
			SettleAt:         now,
			PaymentReference: ref,
			IdempotencyKey:   payoutFeeKey(ref),
		})
		if err != nil {
			return err
		}
		result.Payout, result.Fee = payout, payoutFee
		return nil
	})
	if errors.Is(err, errs.ErrAlreadyExists) {
		existing, findErr := s.existingPayout(ctx, userID, ref)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("payout recorded",
		zap.String("user_id", userID),
		zap.String("reference", ref),
		zap.String("withdraw", req.WithdrawAmount.String()),
		zap.String("fee", fee.String()),
	)
	return result, nil
}

// existingPayout returns nil, nil when the reference was never paid out.
func (s *Service) existingPayout(ctx context.Context, userID, ref string) (*paymentdomain.PayoutResult, error) {
	payout, err := s.ledger.FindByIdempotencyKey(ctx, userID, payoutKey(ref))
	if errors.Is(err, ledgerdomain.ErrActivityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fee, err := s.ledger.FindByIdempotencyKey(ctx, userID, payoutFeeKey(ref))
	if err != nil && !errors.Is(err, ledgerdomain.ErrActivityNotFound) {
		return nil, err
	}
	return &paymentdomain.PayoutResult{Payout: payout, Fee: fee, Duplicate: true}, nil
}
