package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Ledger     ledgerdomain.Service
	Billing    config.BillingConfigSource `optional:"true"`
	Clock      clock.Clock                `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	ledger     ledgerdomain.Service
	billing    config.BillingConfigSource
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	historyRepo repository.Repository[ledgerdomain.AccountHistory]
}

func NewService(p Params) settlementdomain.Service {
	billing := p.Billing
	if billing == nil {
		billing = config.NewStaticBillingConfig(config.DefaultBillingConfig())
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("settlement.service"),
		genID:       p.GenID,
		ledger:      p.Ledger,
		billing:     billing,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
		historyRepo: repository.ProvideStore[ledgerdomain.AccountHistory](p.DB),
	}
}

func (s *Service) Settle(ctx context.Context, userID string) (*settlementdomain.Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, settlementdomain.ErrInvalidUser
	}
	start := time.Now()
	closingTime := clock.Millis(s.clock)

	due, closingTime, err := s.listDue(ctx, userID, closingTime)
	if err != nil {
		s.obsMetrics.RecordSettlement(obsmetrics.OutcomeFailed, 0, time.Since(start))
		return nil, err
	}
	if len(due) == 0 {
		s.obsMetrics.RecordSettlement(obsmetrics.OutcomeNoop, 0, time.Since(start))
		return &settlementdomain.Result{Outcome: settlementdomain.OutcomeNoop}, nil
	}

	previous, err := s.latest(ctx, userID, option.Consistent())
	if err != nil {
		s.obsMetrics.RecordSettlement(obsmetrics.OutcomeFailed, 0, time.Since(start))
		return nil, err
	}

	next := nextHistory(s.genID.Generate(), userID, previous, closingTime, due)
	ids := make([]snowflake.ID, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.ID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.historyRepo.WithTrx(tx).Create(ctx, next); err != nil {
			if errors.Is(err, errs.ErrAlreadyExists) {
				return settlementdomain.ErrAlreadySettled.WithMessage("history %d of %s already exists", next.SequentialID, userID)
			}
			return err
		}
		flipped, err := s.ledger.MarkSettled(ctx, tx, ids, next.Key())
		if err != nil {
			return err
		}
		if flipped != int64(len(ids)) {
			return settlementdomain.ErrAlreadySettled.WithMessage("settled %d of %d activities of %s", flipped, len(ids), userID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, settlementdomain.ErrAlreadySettled) {
			s.log.Info("settlement lost race",
				zap.String("user_id", userID),
				zap.Int64("sequential_id", next.SequentialID),
				zap.Error(err),
			)
			s.obsMetrics.RecordSettlement(obsmetrics.OutcomeAlreadySettled, 0, time.Since(start))
			return &settlementdomain.Result{Outcome: settlementdomain.OutcomeAlreadySettled, Previous: previous}, nil
		}
		s.obsMetrics.RecordSettlement(obsmetrics.OutcomeFailed, 0, time.Since(start))
		return nil, err
	}

	settledKey := next.Key().String()
	for i := range due {
		due[i].Status = ledgerdomain.StatusSettled
		due[i].AccountHistoryKey = &settledKey
	}

	s.obsMetrics.RecordSettlement(obsmetrics.OutcomeSuccess, len(due), time.Since(start))
	s.log.Info("account settled",
		zap.String("user_id", userID),
		zap.Int64("sequential_id", next.SequentialID),
		zap.Int("activities", len(due)),
		zap.String("closing_balance", next.ClosingBalance.String()),
	)
	return &settlementdomain.Result{
		Outcome:  settlementdomain.OutcomeSettled,
		New:      next,
		Previous: previous,
		Settled:  due,
	}, nil
}

// listDue reads the due activities of userID. When the batch hits the
// configured cap the closing time is pulled back to the last included
// settle_at and every activity sharing it is read, so nothing due at or
// before the closing time is left out of the checkpoint.
func (s *Service) listDue(ctx context.Context, userID string, now int64) ([]ledgerdomain.AccountActivity, int64, error) {
	limit := s.billing.Get().SettlementMaxActivities
	due, err := s.ledger.ListDue(ctx, userID, now, limit)
	if err != nil {
		return nil, now, err
	}
	if limit <= 0 || len(due) < limit {
		return due, now, nil
	}

	cutoff := due[len(due)-1].SettleAt
	due, err = s.ledger.ListDue(ctx, userID, cutoff, 0)
	if err != nil {
		return nil, now, err
	}
	s.log.Debug("settlement batch capped",
		zap.String("user_id", userID),
		zap.Int("limit", limit),
		zap.Int("activities", len(due)),
		zap.Int64("closing_time", cutoff),
	)
	return due, cutoff, nil
}

// nextHistory chains a new link onto previous and folds the signed amounts of
// due into its closing balance.
func nextHistory(id snowflake.ID, userID string, previous *ledgerdomain.AccountHistory, closingTime int64, due []ledgerdomain.AccountActivity) *ledgerdomain.AccountHistory {
	next := &ledgerdomain.AccountHistory{
		ID:              id,
		UserID:          userID,
		SequentialID:    0,
		StartingBalance: amount.Zero(),
		StartingTime:    0,
		ClosingTime:     closingTime,
	}
	if previous != nil {
		next.SequentialID = previous.SequentialID + 1
		next.StartingBalance = previous.ClosingBalance
		next.StartingTime = previous.ClosingTime
		// Clock skew between workers must not break the chain.
		next.ClosingTime = max(closingTime, previous.ClosingTime)
	}

	balance := next.StartingBalance
	for _, a := range due {
		balance = balance.Add(a.Signed())
	}
	next.ClosingBalance = balance
	return next
}

func (s *Service) Latest(ctx context.Context, userID string) (*ledgerdomain.AccountHistory, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, settlementdomain.ErrInvalidUser
	}
	return s.latest(ctx, userID)
}

func (s *Service) latest(ctx context.Context, userID string, opts ...option.QueryOption) (*ledgerdomain.AccountHistory, error) {
	opts = append(opts, option.WithOrder("sequential_id", true))
	return s.historyRepo.FindOne(ctx, &ledgerdomain.AccountHistory{UserID: userID}, opts...)
}

func (s *Service) Balance(ctx context.Context, userID string) (amount.Amount, error) {
	latest, err := s.Latest(ctx, userID)
	if err != nil {
		return amount.Zero(), err
	}
	if latest == nil {
		return amount.Zero(), nil
	}
	return latest.ClosingBalance, nil
}

func (s *Service) History(ctx context.Context, req settlementdomain.ListHistoryRequest) (settlementdomain.ListHistoryResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return settlementdomain.ListHistoryResponse{}, settlementdomain.ErrInvalidUser
	}

	size := req.Size()
	opts := []option.QueryOption{
		option.WithOrder("sequential_id", true),
		option.WithLimit(size + 1),
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return settlementdomain.ListHistoryResponse{}, err
		}
		seq, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return settlementdomain.ListHistoryResponse{}, pagination.ErrInvalidPageToken
		}
		opts = append(opts, option.Before("sequential_id", seq))
	}

	rows, err := s.historyRepo.Find(ctx, &ledgerdomain.AccountHistory{UserID: req.UserID}, opts...)
	if err != nil {
		return settlementdomain.ListHistoryResponse{}, err
	}
	histories := make([]ledgerdomain.AccountHistory, 0, len(rows))
	for _, row := range rows {
		histories = append(histories, *row)
	}

	page, info, err := pagination.Page(histories, size, func(h ledgerdomain.AccountHistory) string {
		return strconv.FormatInt(h.SequentialID, 10)
	})
	if err != nil {
		return settlementdomain.ListHistoryResponse{}, err
	}
	return settlementdomain.ListHistoryResponse{Histories: page, PageInfo: info}, nil
}
