package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/db/pagination"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/pk"
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
	Billing    config.BillingConfigSource `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	billing    config.BillingConfigSource
	obsMetrics *obsmetrics.Metrics

	repo repository.Repository[ledgerdomain.AccountActivity]
}

func NewService(p Params) ledgerdomain.Service {
	billing := p.Billing
	if billing == nil {
		billing = config.NewStaticBillingConfig(config.DefaultBillingConfig())
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		billing:    billing,
		obsMetrics: p.ObsMetrics,
		repo:       repository.ProvideStore[ledgerdomain.AccountActivity](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreateActivityRequest) (*ledgerdomain.AccountActivity, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if len(req.Reason.AllowedDirections()) == 0 {
		return nil, ledgerdomain.ErrInvalidReason.WithMessage("unknown activity reason %q", req.Reason)
	}
	if !req.Reason.Allows(req.Direction) {
		return nil, ledgerdomain.ErrInvalidDirection.WithMessage("%s cannot be %s", req.Reason, req.Direction)
	}
	if req.Amount.IsNegative() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.SettleAt <= 0 {
		return nil, ledgerdomain.ErrInvalidSettleAt
	}

	activity := &ledgerdomain.AccountActivity{
		ID:                s.genID.Generate(),
		UserID:            userID,
		Direction:         req.Direction,
		Reason:            req.Reason,
		Amount:            req.Amount,
		Status:            ledgerdomain.StatusPending,
		SettleAt:          req.SettleAt,
		Description:       strings.TrimSpace(req.Description),
		BilledResource:    optionalString(req.BilledResource),
		ConsumedFreeQuota: req.ConsumedFreeQuota,
		UsageSummaryKey:   optionalString(req.UsageSummaryKey),
		PaymentReference:  optionalString(req.PaymentReference),
		IdempotencyKey:    optionalString(req.IdempotencyKey),
	}

	if err := s.repo.WithTrx(tx).Create(ctx, activity); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, ledgerdomain.ErrDuplicateActivity.WithMessage("activity %q for %s already recorded", req.IdempotencyKey, userID)
		}
		return nil, err
	}

	s.obsMetrics.RecordActivity(string(activity.Reason))
	return activity, nil
}

func (s *Service) Get(ctx context.Context, key pk.ActivityKey) (*ledgerdomain.AccountActivity, error) {
	activity, err := s.repo.FindOne(ctx, &ledgerdomain.AccountActivity{ID: key.ID, UserID: key.User})
	if err != nil {
		return nil, err
	}
	if activity == nil {
		return nil, ledgerdomain.ErrActivityNotFound
	}
	return activity, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, userID, key string) (*ledgerdomain.AccountActivity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ledgerdomain.ErrActivityNotFound
	}
	activity, err := s.repo.FindOne(ctx, &ledgerdomain.AccountActivity{UserID: userID, IdempotencyKey: &key})
	if err != nil {
		return nil, err
	}
	if activity == nil {
		return nil, ledgerdomain.ErrActivityNotFound
	}
	return activity, nil
}

func (s *Service) ListDue(ctx context.Context, userID string, now int64, limit int) ([]ledgerdomain.AccountActivity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	rows, err := s.repo.Find(ctx,
		&ledgerdomain.AccountActivity{UserID: userID, Status: ledgerdomain.StatusPending},
		option.UsingIndex("idx_account_activities_user_due"),
		option.Where("settle_at <= ?", now),
		option.WithOrder("settle_at", false),
		option.WithOrder("id", false),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return deref(rows), nil
}

func (s *Service) ListDueUsers(ctx context.Context, now int64, limit int) ([]string, error) {
	var users []string
	stmt := s.db.WithContext(ctx).
		Model(&ledgerdomain.AccountActivity{}).
		Set(option.IndexSetting, "idx_account_activities_due").
		Distinct("user_id").
		Where("status = ? AND settle_at <= ?", ledgerdomain.StatusPending, now).
		Order("user_id")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("user_id", &users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Service) MarkSettled(ctx context.Context, tx *gorm.DB, ids []snowflake.ID, history pk.HistoryKey) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	batchSize := s.billing.Get().SettlementBatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	repo := s.repo.WithTrx(tx)
	historyKey := history.String()
	var total int64
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		n, err := repo.UpdateWhere(ctx,
			map[string]any{
				"status":              ledgerdomain.StatusSettled,
				"account_history_key": historyKey,
			},
			option.Where("id IN ?", ids[start:end]),
			option.Where("status = ?", ledgerdomain.StatusPending),
		)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListActivitiesRequest) (ledgerdomain.ListActivitiesResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return ledgerdomain.ListActivitiesResponse{}, ledgerdomain.ErrInvalidUser
	}

	size := req.Size()
	opts := []option.QueryOption{
		option.WithOrder("id", true),
		option.WithLimit(size + 1),
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return ledgerdomain.ListActivitiesResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListActivitiesResponse{}, pagination.ErrInvalidPageToken
		}
		opts = append(opts, option.Before("id", id))
	}

	rows, err := s.repo.Find(ctx, &ledgerdomain.AccountActivity{UserID: req.UserID, Status: req.Status}, opts...)
	if err != nil {
		return ledgerdomain.ListActivitiesResponse{}, err
	}

	page, info, err := pagination.Page(deref(rows), size, func(a ledgerdomain.AccountActivity) string { return a.ID.String() })
	if err != nil {
		return ledgerdomain.ListActivitiesResponse{}, err
	}
	return ledgerdomain.ListActivitiesResponse{Activities: page, PageInfo: info}, nil
}

func (s *Service) SumMonthlyCharges(ctx context.Context, tx *gorm.DB, subscriberID, resourceID string, since int64) (ledgerdomain.MonthlyChargeTotal, error) {
	rows, err := s.repo.WithTrx(tx).Find(ctx,
		&ledgerdomain.AccountActivity{
			UserID:         subscriberID,
			Direction:      ledgerdomain.DirectionOutgoing,
			BilledResource: &resourceID,
		},
		option.Where("reason IN ?", []ledgerdomain.Reason{
			ledgerdomain.ReasonAPIMinMonthlyCharge,
			ledgerdomain.ReasonAPIMinMonthlyChargeUpgrade,
		}),
		option.Where("settle_at >= ?", since),
	)
	if err != nil {
		return ledgerdomain.MonthlyChargeTotal{}, err
	}

	total := ledgerdomain.MonthlyChargeTotal{Paid: amount.Zero(), Count: len(rows)}
	for _, row := range rows {
		total.Paid = total.Paid.Add(row.Amount)
	}
	return total, nil
}

func (s *Service) PendingOutgoing(ctx context.Context, userID string) (amount.Amount, error) {
	rows, err := s.repo.Find(ctx, &ledgerdomain.AccountActivity{
		UserID:    userID,
		Direction: ledgerdomain.DirectionOutgoing,
		Status:    ledgerdomain.StatusPending,
	})
	if err != nil {
		return amount.Zero(), err
	}
	total := amount.Zero()
	for _, row := range rows {
		total = total.Add(row.Amount)
	}
	return total, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func deref[T any](rows []*T) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out
}
