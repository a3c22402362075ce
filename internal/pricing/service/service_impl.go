package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/meterledger/internal/cache"
	"github.com/smallbiznis/meterledger/internal/clock"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	"github.com/smallbiznis/meterledger/pkg/pk"
	"github.com/smallbiznis/meterledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPricingTTL      = 10 * time.Minute
	defaultSubscriptionTTL = 45 * time.Second
	defaultResourceTTL     = 10 * time.Minute
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	pricingRepo      repository.Repository[pricingdomain.Pricing]
	subscriptionRepo repository.Repository[pricingdomain.Subscription]
	resourceRepo     repository.Repository[pricingdomain.Resource]

	pricings      cache.Cache[string, pricingdomain.Pricing]
	subscriptions cache.Cache[string, pricingdomain.Subscription]
	resources     cache.Cache[string, pricingdomain.Resource]
}

func NewService(p Params) pricingdomain.Resolver {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("pricing.service"),
		pricingRepo:      repository.ProvideStore[pricingdomain.Pricing](p.DB),
		subscriptionRepo: repository.ProvideStore[pricingdomain.Subscription](p.DB),
		resourceRepo:     repository.ProvideStore[pricingdomain.Resource](p.DB),
		pricings:         cache.NewTTLCache[string, pricingdomain.Pricing](p.Clock),
		subscriptions:    cache.NewTTLCache[string, pricingdomain.Subscription](p.Clock),
		resources:        cache.NewTTLCache[string, pricingdomain.Resource](p.Clock),
	}
}

func (s *Service) GetByKey(ctx context.Context, key pk.PricingKey) (*pricingdomain.Pricing, error) {
	cacheKey := key.String()
	if cached, ok := s.pricings.Get(cacheKey); ok {
		return &cached, nil
	}

	pricing, err := s.pricingRepo.FindOne(ctx, &pricingdomain.Pricing{ID: key.ID})
	if err != nil {
		return nil, err
	}
	if pricing == nil {
		return nil, pricingdomain.ErrPricingNotFound.WithMessage("pricing %s not found", key.ID)
	}
	s.pricings.Set(cacheKey, *pricing, defaultPricingTTL)
	return pricing, nil
}

func (s *Service) GetActivePricing(ctx context.Context, subscriberID, resourceID string) (*pricingdomain.Pricing, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	resourceID = strings.TrimSpace(resourceID)
	if subscriberID == "" {
		return nil, pricingdomain.ErrInvalidSubscriber
	}
	if resourceID == "" {
		return nil, pricingdomain.ErrInvalidResource
	}

	subKey := cache.Key(subscriberID, resourceID)
	sub, ok := s.subscriptions.Get(subKey)
	if !ok {
		found, err := s.subscriptionRepo.FindOne(ctx, &pricingdomain.Subscription{SubscriberID: subscriberID, ResourceID: resourceID})
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, pricingdomain.ErrNotSubscribed.WithMessage("%s is not subscribed to %s", subscriberID, resourceID)
		}
		sub = *found
		s.subscriptions.Set(subKey, sub, defaultSubscriptionTTL)
	}

	return s.GetByKey(ctx, pk.PricingKey{ID: sub.PricingID})
}

func (s *Service) GetResource(ctx context.Context, resourceID string) (*pricingdomain.Resource, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, pricingdomain.ErrInvalidResource
	}
	if cached, ok := s.resources.Get(resourceID); ok {
		return &cached, nil
	}

	resource, err := s.resourceRepo.FindOne(ctx, &pricingdomain.Resource{ID: resourceID})
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, pricingdomain.ErrResourceNotFound.WithMessage("resource %s not found", resourceID)
	}
	s.resources.Set(resourceID, *resource, defaultResourceTTL)
	return resource, nil
}
