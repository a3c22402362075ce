package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/meterledger/internal/quota/domain"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/repository"
	"github.com/smallbiznis/meterledger/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics

	repo repository.Repository[quotadomain.FreeQuotaUsage]
}

func NewService(p Params) quotadomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("quota.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
		repo:       repository.ProvideStore[quotadomain.FreeQuotaUsage](p.DB),
	}
}

func (s *Service) Consume(ctx context.Context, tx *gorm.DB, req quotadomain.ConsumeRequest) (int64, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	resourceID := strings.TrimSpace(req.ResourceID)
	if subscriberID == "" {
		return 0, quotadomain.ErrInvalidSubscriber
	}
	if resourceID == "" {
		return 0, quotadomain.ErrInvalidResource
	}
	if req.Requested < 0 || req.FreeQuota < 0 {
		return 0, quotadomain.ErrInvalidRequest
	}
	if req.Requested == 0 || req.FreeQuota == 0 {
		return 0, nil
	}
	if tx == nil {
		tx = s.db
	}

	usage, err := s.getOrCreate(ctx, tx, subscriberID, resourceID)
	if err != nil {
		return 0, err
	}

	remaining := max(req.FreeQuota-usage.Consumed, 0)
	consumed := min(req.Requested, remaining)
	if consumed == 0 {
		return 0, nil
	}

	n, err := s.repo.WithTrx(tx).Update(ctx, usage.ID,
		map[string]any{"consumed": gorm.Expr("consumed + ?", consumed)},
		option.Where("consumed = ?", usage.Consumed),
	)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, quotadomain.ErrQuotaConflict
	}

	s.obsMetrics.RecordFreeQuota(consumed)
	return consumed, nil
}

// getOrCreate lazily creates the counter. The insert runs in a nested
// transaction so a lost race only rolls back to its savepoint.
func (s *Service) getOrCreate(ctx context.Context, tx *gorm.DB, subscriberID, resourceID string) (*quotadomain.FreeQuotaUsage, error) {
	repo := s.repo.WithTrx(tx)
	query := &quotadomain.FreeQuotaUsage{SubscriberID: subscriberID, ResourceID: resourceID}

	existing, err := repo.FindOne(ctx, query)
	if err != nil || existing != nil {
		return existing, err
	}

	created, err := retry.Create(ctx, retry.DefaultPolicy(),
		func(ctx context.Context, attempt int) (*quotadomain.FreeQuotaUsage, error) {
			usage := &quotadomain.FreeQuotaUsage{
				ID:           s.genID.Generate(),
				SubscriberID: subscriberID,
				ResourceID:   resourceID,
			}
			err := tx.WithContext(ctx).Transaction(func(nested *gorm.DB) error {
				return s.repo.WithTrx(nested).Create(ctx, usage)
			})
			return usage, err
		},
		func(ctx context.Context) (bool, error) {
			found, err := repo.FindOne(ctx, query)
			return found != nil, err
		},
	)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, errs.ErrAlreadyExists) {
		return nil, err
	}

	existing, err = repo.FindOne(ctx, query)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, quotadomain.ErrQuotaConflict
	}
	return existing, nil
}

func (s *Service) Get(ctx context.Context, subscriberID, resourceID string) (*quotadomain.FreeQuotaUsage, error) {
	usage, err := s.repo.FindOne(ctx, &quotadomain.FreeQuotaUsage{SubscriberID: subscriberID, ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return &quotadomain.FreeQuotaUsage{SubscriberID: subscriberID, ResourceID: resourceID}, nil
	}
	return usage, nil
}
