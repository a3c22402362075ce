package domain

import (
	"context"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/smallbiznis/meterledger/pkg/pk"
)

// Resolver looks up the catalog rows billing depends on. The catalog itself
// is owned elsewhere, so this is read only.
type Resolver interface {
	GetByKey(ctx context.Context, key pk.PricingKey) (*Pricing, error)
	GetActivePricing(ctx context.Context, subscriberID, resourceID string) (*Pricing, error)
	GetResource(ctx context.Context, resourceID string) (*Resource, error)
}

var (
	ErrInvalidResource   = errs.New(errs.KindBadInput, "invalid_resource", "resource id is required")
	ErrInvalidSubscriber = errs.New(errs.KindBadInput, "invalid_subscriber", "subscriber id is required")
	ErrPricingNotFound   = errs.New(errs.KindNotFound, "pricing_not_found", "pricing not found")
	ErrResourceNotFound  = errs.New(errs.KindNotFound, "resource_not_found", "resource not found")
	ErrNotSubscribed     = errs.New(errs.KindNotFound, "subscription_not_found", "subscriber has no active pricing for resource")
)
