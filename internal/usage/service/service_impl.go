package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/internal/clock"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	usagerepo "github.com/smallbiznis/meterledger/internal/usage/repository"
	"github.com/smallbiznis/meterledger/pkg/db/option"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/pk"
	"github.com/smallbiznis/meterledger/pkg/repository"
	"github.com/smallbiznis/meterledger/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// collectChunk bounds the IN list of a single collect update.
const collectChunk = 500

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Pricing    pricingdomain.Resolver
	Pairs      usagerepo.PairRepository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	pricing    pricingdomain.Resolver
	pairs      usagerepo.PairRepository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	eventRepo   repository.Repository[usagedomain.UsageEvent]
	summaryRepo repository.Repository[usagedomain.UsageSummary]
}

func NewService(p ServiceParam) usagedomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("usage.service"),
		genID:       p.GenID,
		pricing:     p.Pricing,
		pairs:       p.Pairs,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
		eventRepo:   repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		summaryRepo: repository.ProvideStore[usagedomain.UsageSummary](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, req usagedomain.RecordEventRequest) (*usagedomain.UsageEvent, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	resourceID := strings.TrimSpace(req.ResourceID)
	if subscriberID == "" {
		return nil, usagedomain.ErrInvalidSubscriber
	}
	if resourceID == "" {
		return nil, usagedomain.ErrInvalidResource
	}
	volume := req.Volume
	if volume == 0 {
		volume = 1
	}
	if volume < 0 {
		return nil, usagedomain.ErrInvalidVolume
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	pricingKey := strings.TrimSpace(req.PricingKey)
	if pricingKey == "" {
		pricing, err := s.pricing.GetActivePricing(ctx, subscriberID, resourceID)
		if err != nil {
			return nil, err
		}
		pricingKey = pricing.Key().String()
	} else if _, err := pk.ParsePricingKey(pricingKey); err != nil {
		return nil, usagedomain.ErrInvalidPricing
	}

	occurredAt := req.OccurredAt
	if occurredAt <= 0 {
		occurredAt = clock.Millis(s.clock)
	}

	event := &usagedomain.UsageEvent{
		ID:           s.genID.Generate(),
		SubscriberID: subscriberID,
		ResourceID:   resourceID,
		PricingKey:   pricingKey,
		Path:         strings.TrimSpace(req.Path),
		Volume:       volume,
		Status:       usagedomain.EventStatusPending,
		OccurredAt:   occurredAt,
	}
	if idempotencyKey != "" {
		event.IdempotencyKey = &idempotencyKey
	}

	_, err := retry.Create(ctx, retry.DefaultPolicy(),
		func(ctx context.Context, attempt int) (*usagedomain.UsageEvent, error) {
			if attempt > 0 {
				event.ID = s.genID.Generate()
			}
			return event, s.eventRepo.Create(ctx, event)
		},
		func(ctx context.Context) (bool, error) {
			if idempotencyKey == "" {
				return false, nil
			}
			existing, err := s.findByIdempotencyKey(ctx, idempotencyKey)
			return existing != nil, err
		},
	)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) && idempotencyKey != "" {
			// Lost the race against a redelivery of the same call.
			existing, findErr := s.findByIdempotencyKey(ctx, idempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.obsMetrics.RecordUsage()
	return event, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, key string) (*usagedomain.UsageEvent, error) {
	return s.eventRepo.FindOne(ctx, &usagedomain.UsageEvent{IdempotencyKey: &key})
}

func (s *Service) Collect(ctx context.Context, req usagedomain.CollectRequest) ([]usagedomain.UsageSummary, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	resourceID := strings.TrimSpace(req.ResourceID)
	if subscriberID == "" {
		return nil, usagedomain.ErrInvalidSubscriber
	}
	if resourceID == "" {
		return nil, usagedomain.ErrInvalidResource
	}

	events, err := s.eventRepo.Find(ctx,
		&usagedomain.UsageEvent{
			SubscriberID: subscriberID,
			ResourceID:   resourceID,
			Path:         strings.TrimSpace(req.Path),
			Status:       usagedomain.EventStatusPending,
		},
		option.UsingIndex("idx_usage_events_pending"),
		option.WithOrder("id", false),
	)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	var order []string
	groups := make(map[string][]*usagedomain.UsageEvent)
	for _, ev := range events {
		if _, ok := groups[ev.PricingKey]; !ok {
			order = append(order, ev.PricingKey)
		}
		groups[ev.PricingKey] = append(groups[ev.PricingKey], ev)
	}

	summaries := make([]usagedomain.UsageSummary, 0, len(order))
	collected := 0
	for _, pricingKey := range order {
		group := groups[pricingKey]
		summary, err := s.collectGroup(ctx, subscriberID, resourceID, strings.TrimSpace(req.Path), pricingKey, group)
		if err != nil {
			s.log.Warn("collect usage group failed",
				zap.String("subscriber_id", subscriberID),
				zap.String("resource_id", resourceID),
				zap.Int("events", len(group)),
				zap.Error(err),
			)
			return summaries, err
		}
		summaries = append(summaries, *summary)
		collected += len(group)
	}

	s.obsMetrics.RecordCollection(len(summaries), collected)
	s.log.Debug("usage collected",
		zap.String("subscriber_id", subscriberID),
		zap.String("resource_id", resourceID),
		zap.Int("summaries", len(summaries)),
		zap.Int("events", collected),
	)
	return summaries, nil
}

func (s *Service) collectGroup(ctx context.Context, subscriberID, resourceID, path, pricingKey string, group []*usagedomain.UsageEvent) (*usagedomain.UsageSummary, error) {
	ids := make([]snowflake.ID, 0, len(group))
	var volume int64
	for _, ev := range group {
		ids = append(ids, ev.ID)
		volume += ev.Volume
	}

	summary := &usagedomain.UsageSummary{
		ID:             s.genID.Generate(),
		SubscriberID:   subscriberID,
		ResourceID:     resourceID,
		PricingKey:     pricingKey,
		Path:           path,
		Volume:         volume,
		NumberOfEvents: int64(len(group)),
		BillingStatus:  usagedomain.BillingStatusPending,
		CollectedAt:    clock.Millis(s.clock),
	}
	summaryKey := summary.Key().String()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.summaryRepo.WithTrx(tx).Create(ctx, summary); err != nil {
			return err
		}
		events := s.eventRepo.WithTrx(tx)
		var flipped int64
		for start := 0; start < len(ids); start += collectChunk {
			end := min(start+collectChunk, len(ids))
			n, err := events.UpdateWhere(ctx,
				map[string]any{
					"status":            usagedomain.EventStatusCollected,
					"usage_summary_key": summaryKey,
				},
				option.Where("id IN ?", ids[start:end]),
				option.Where("status = ?", usagedomain.EventStatusPending),
			)
			if err != nil {
				return err
			}
			flipped += n
		}
		if flipped != int64(len(ids)) {
			return usagedomain.ErrCollectConflict.WithMessage("collected %d of %d events", flipped, len(ids))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) GetSummary(ctx context.Context, key pk.SummaryKey) (*usagedomain.UsageSummary, error) {
	summary, err := s.summaryRepo.FindOne(ctx, &usagedomain.UsageSummary{ID: key.ID, SubscriberID: key.Subscriber})
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, usagedomain.ErrSummaryNotFound
	}
	return summary, nil
}

func (s *Service) ListPendingSummaries(ctx context.Context, subscriberID, resourceID string, limit int) ([]usagedomain.UsageSummary, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return nil, usagedomain.ErrInvalidSubscriber
	}
	rows, err := s.summaryRepo.Find(ctx,
		&usagedomain.UsageSummary{
			SubscriberID:  subscriberID,
			ResourceID:    resourceID,
			BillingStatus: usagedomain.BillingStatusPending,
		},
		option.UsingIndex("idx_usage_summaries_billing"),
		option.WithOrder("id", false),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	out := make([]usagedomain.UsageSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (s *Service) ListPendingPairs(ctx context.Context, limit int) ([]usagedomain.Pair, error) {
	return s.pairs.ListPendingPairs(ctx, s.db, limit)
}

func (s *Service) MarkBilled(ctx context.Context, tx *gorm.DB, key pk.SummaryKey, refs usagedomain.BilledRefs, billedAt int64) error {
	n, err := s.summaryRepo.WithTrx(tx).Update(ctx, key.ID,
		map[string]any{
			"billing_status":                usagedomain.BillingStatusBilled,
			"billed_at":                     billedAt,
			"subscriber_request_charge_key": nullable(refs.SubscriberRequestCharge),
			"owner_request_charge_key":      nullable(refs.OwnerRequestCharge),
			"subscriber_monthly_charge_key": nullable(refs.SubscriberMonthlyCharge),
			"owner_monthly_charge_key":      nullable(refs.OwnerMonthlyCharge),
			"service_fee_key":               nullable(refs.ServiceFee),
		},
		option.Where("subscriber_id = ?", key.Subscriber),
		option.Where("billing_status = ?", usagedomain.BillingStatusPending),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return usagedomain.ErrAlreadyBilled
	}
	return nil
}

func (s *Service) MarkError(ctx context.Context, key pk.SummaryKey) error {
	_, err := s.summaryRepo.Update(ctx, key.ID,
		map[string]any{"billing_status": usagedomain.BillingStatusError},
		option.Where("subscriber_id = ?", key.Subscriber),
		option.Where("billing_status = ?", usagedomain.BillingStatusPending),
	)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
