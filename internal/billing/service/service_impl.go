package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/meterledger/internal/billing/domain"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterledger/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	quotadomain "github.com/smallbiznis/meterledger/internal/quota/domain"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/pk"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Usage       usagedomain.Service
	Quota       quotadomain.Service
	Ledger      ledgerdomain.Service
	Pricing     pricingdomain.Resolver
	Settlements billingdomain.SettlementScheduler `optional:"true"`
	Billing     config.BillingConfigSource        `optional:"true"`
	Clock       clock.Clock                       `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics               `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	usage       usagedomain.Service
	quota       quotadomain.Service
	ledger      ledgerdomain.Service
	pricing     pricingdomain.Resolver
	settlements billingdomain.SettlementScheduler
	billing     config.BillingConfigSource
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) billingdomain.Service {
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
		log:         p.Log.Named("billing.service"),
		usage:       p.Usage,
		quota:       p.Quota,
		ledger:      p.Ledger,
		pricing:     p.Pricing,
		settlements: p.Settlements,
		billing:     billing,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Bill(ctx context.Context, req billingdomain.BillRequest) (*billingdomain.BillResult, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	ownerID := strings.TrimSpace(req.OwnerID)
	if subscriberID == "" {
		return nil, billingdomain.ErrInvalidSubscriber
	}
	if ownerID == "" {
		return nil, billingdomain.ErrInvalidOwner
	}
	summary := req.Summary
	if summary.SubscriberID != subscriberID {
		return nil, billingdomain.ErrSummaryMismatch
	}
	if summary.BillingStatus != usagedomain.BillingStatusPending {
		s.obsMetrics.RecordBilling(obsmetrics.OutcomeSkipped)
		return &billingdomain.BillResult{Outcome: billingdomain.OutcomeSkipped, Summary: summary}, nil
	}

	pricing, err := s.resolvePricing(ctx, summary)
	if err != nil {
		s.obsMetrics.RecordBilling(obsmetrics.OutcomeFailed)
		return nil, err
	}

	cfg := s.billing.Get()
	now := clock.Millis(s.clock)
	summaryKey := summary.Key().String()
	result := &billingdomain.BillResult{Outcome: billingdomain.OutcomeBilled}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consumed, err := s.quota.Consume(ctx, tx, quotadomain.ConsumeRequest{
			SubscriberID: subscriberID,
			ResourceID:   summary.ResourceID,
			FreeQuota:    pricing.FreeQuota,
			Requested:    summary.Volume,
		})
		if err != nil {
			return err
		}
		billable := summary.Volume - consumed
		result.VolumeFree = consumed
		result.VolumeBilled = billable

		requestCharge := pricing.ChargePerRequest.MulInt(billable)
		create := func(user string, dir ledgerdomain.Direction, reason ledgerdomain.Reason, value amount.Amount, settleAt int64, role, description string, freeQuota *int64) (*ledgerdomain.AccountActivity, error) {
			return s.ledger.Create(ctx, tx, ledgerdomain.CreateActivityRequest{
				UserID:            user,
				Direction:         dir,
				Reason:            reason,
				Amount:            value,
				SettleAt:          settleAt,
				Description:       description,
				BilledResource:    summary.ResourceID,
				ConsumedFreeQuota: freeQuota,
				UsageSummaryKey:   summaryKey,
				IdempotencyKey:    fmt.Sprintf("%s:%s", summaryKey, role),
			})
		}

		acts := &result.Activities
		if acts.SubscriberRequestCharge, err = create(subscriberID, ledgerdomain.DirectionOutgoing, ledgerdomain.ReasonAPIPerRequestCharge,
			requestCharge, now, "subscriber_request_charge", "API request charge", &consumed); err != nil {
			return err
		}
		if acts.OwnerRequestCharge, err = create(ownerID, ledgerdomain.DirectionIncoming, ledgerdomain.ReasonAPIPerRequestCharge,
			requestCharge, now, "owner_request_charge", "API request charge paid by customer", &consumed); err != nil {
			return err
		}
		// The per request part of the fee applies to the total volume,
		// free quota included.
		fee := requestCharge.Mul(cfg.FeeRate()).Add(cfg.FeePerRequest().MulInt(summary.Volume))
		if acts.ServiceFee, err = create(ownerID, ledgerdomain.DirectionOutgoing, ledgerdomain.ReasonPlatformServiceFee,
			fee, now, "service_fee", "API request service fee", nil); err != nil {
			return err
		}

		monthly := billingdomain.MonthlyCharge{}
		if req.ForceMonthlyCharge {
			monthly = billingdomain.MonthlyCharge{ShouldBill: true, Amount: pricing.MinMonthlyCharge}
		} else if !req.DisableMonthlyCharge {
			if monthly, err = s.ShouldCollectMonthlyCharge(ctx, tx, subscriberID, summary.ResourceID, *pricing, billable); err != nil {
				return err
			}
		}
		if monthly.ShouldBill {
			reason := ledgerdomain.ReasonAPIMinMonthlyCharge
			if monthly.IsUpgrade {
				reason = ledgerdomain.ReasonAPIMinMonthlyChargeUpgrade
			}
			if acts.SubscriberMonthlyCharge, err = create(subscriberID, ledgerdomain.DirectionOutgoing, reason,
				monthly.Amount, now, "subscriber_monthly_charge", "API subscription fee every 30 days", nil); err != nil {
				return err
			}
			heldUntil := now + cfg.MonthlyChargeHold.Milliseconds()
			if acts.OwnerMonthlyCharge, err = create(ownerID, ledgerdomain.DirectionIncoming, reason,
				monthly.Amount, heldUntil, "owner_monthly_charge", "API subscription fee paid by customer", nil); err != nil {
				return err
			}
		}

		return s.usage.MarkBilled(ctx, tx, summary.Key(), refsOf(*acts), now)
	})
	if err != nil {
		if errors.Is(err, usagedomain.ErrAlreadyBilled) || errors.Is(err, ledgerdomain.ErrDuplicateActivity) {
			s.log.Info("usage summary already billed",
				zap.String("summary", summaryKey),
				zap.String("subscriber_id", subscriberID),
			)
			s.obsMetrics.RecordBilling(obsmetrics.OutcomeSkipped)
			return &billingdomain.BillResult{Outcome: billingdomain.OutcomeSkipped, Summary: summary}, nil
		}
		s.obsMetrics.RecordBilling(obsmetrics.OutcomeFailed)
		return nil, err
	}

	summary.BillingStatus = usagedomain.BillingStatusBilled
	summary.BilledAt = &now
	result.Summary = summary
	s.obsMetrics.RecordBilling(obsmetrics.OutcomeSuccess)
	return result, nil
}

// resolvePricing loads the summary's pricing. A pricing that no longer exists
// puts the summary in the error state so it stops being picked up.
func (s *Service) resolvePricing(ctx context.Context, summary usagedomain.UsageSummary) (*pricingdomain.Pricing, error) {
	key, err := pk.ParsePricingKey(summary.PricingKey)
	if err == nil {
		var pricing *pricingdomain.Pricing
		pricing, err = s.pricing.GetByKey(ctx, key)
		if err == nil {
			return pricing, nil
		}
	}
	if !errors.Is(err, errs.ErrNotFound) && !errors.Is(err, pk.ErrMalformedKey) {
		return nil, err
	}

	if markErr := s.usage.MarkError(ctx, summary.Key()); markErr != nil {
		s.log.Error("mark usage summary error failed", zap.String("summary", summary.Key().String()), zap.Error(markErr))
	}
	return nil, billingdomain.ErrPricingGone.WithMessage("pricing %s of usage summary %s is gone", summary.PricingKey, summary.ID)
}

func (s *Service) ShouldCollectMonthlyCharge(ctx context.Context, tx *gorm.DB, subscriberID, resourceID string, pricing pricingdomain.Pricing, volumeBillable int64) (billingdomain.MonthlyCharge, error) {
	none := billingdomain.MonthlyCharge{Amount: amount.Zero()}
	if volumeBillable <= 0 {
		return none, nil
	}

	since := clock.Millis(s.clock) - s.billing.Get().MonthlyCollectionPeriod.Milliseconds()
	paid, err := s.ledger.SumMonthlyCharges(ctx, tx, subscriberID, resourceID, since)
	if err != nil {
		return none, err
	}

	diff := pricing.MinMonthlyCharge.Sub(paid.Paid)
	if !diff.IsPositive() {
		return none, nil
	}
	return billingdomain.MonthlyCharge{ShouldBill: true, Amount: diff, IsUpgrade: paid.Count > 0}, nil
}

func (s *Service) TriggerBilling(ctx context.Context, req billingdomain.TriggerRequest) (*billingdomain.TriggerResult, error) {
	subscriberID := strings.TrimSpace(req.SubscriberID)
	resourceID := strings.TrimSpace(req.ResourceID)
	if subscriberID == "" {
		return nil, billingdomain.ErrInvalidSubscriber
	}
	if resourceID == "" {
		return nil, billingdomain.ErrInvalidResource
	}
	start := time.Now()

	resource, err := s.pricing.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	collected, err := s.usage.Collect(ctx, usagedomain.CollectRequest{SubscriberID: subscriberID, ResourceID: resourceID, Path: req.Path})
	if err != nil {
		return nil, err
	}

	pending, err := s.usage.ListPendingSummaries(ctx, subscriberID, resourceID, 0)
	if err != nil {
		return nil, err
	}

	result := &billingdomain.TriggerResult{OwnerID: resource.OwnerID, Collected: collected}
	batchSize := max(s.billing.Get().SummaryBatchSize, 1)
	var failures []error
	for startIdx := 0; startIdx < len(pending); startIdx += batchSize {
		batch := pending[startIdx:min(startIdx+batchSize, len(pending))]
		for _, summary := range batch {
			billed, err := s.Bill(ctx, billingdomain.BillRequest{
				Summary:      summary,
				SubscriberID: subscriberID,
				OwnerID:      resource.OwnerID,
			})
			if err != nil {
				s.log.Warn("bill usage summary failed",
					zap.String("summary", summary.Key().String()),
					zap.Error(err),
				)
				failures = append(failures, err)
				continue
			}
			result.Billed = append(result.Billed, *billed)
		}
	}

	if s.settlements != nil {
		for _, user := range uniqueUsers(subscriberID, resource.OwnerID) {
			if err := s.settlements.EnqueueSettlement(ctx, user); err != nil {
				failures = append(failures, err)
			}
		}
	}

	s.log.Info("billing triggered",
		zap.String("subscriber_id", subscriberID),
		zap.String("resource_id", resourceID),
		zap.Int("collected", len(collected)),
		zap.Int("billed", len(result.Billed)),
		zap.Int("failed", len(failures)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, errors.Join(failures...)
}

func refsOf(acts billingdomain.Activities) usagedomain.BilledRefs {
	key := func(a *ledgerdomain.AccountActivity) string {
		if a == nil {
			return ""
		}
		return a.Key().String()
	}
	return usagedomain.BilledRefs{
		SubscriberRequestCharge: key(acts.SubscriberRequestCharge),
		OwnerRequestCharge:      key(acts.OwnerRequestCharge),
		SubscriberMonthlyCharge: key(acts.SubscriberMonthlyCharge),
		OwnerMonthlyCharge:      key(acts.OwnerMonthlyCharge),
		ServiceFee:              key(acts.ServiceFee),
	}
}

func uniqueUsers(users ...string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
