package queue

import (
	"context"

	"github.com/smallbiznis/meterledger/pkg/errs"
)

// Delivery describes the message a handler is currently processing.
type Delivery struct {
	Queue       string
	Topic       string
	OrderingKey string
	MessageID   string
	Attempt     int
}

type deliveryKey struct{}

var ErrOutsideLane = errs.New(errs.KindPermissionDenied, "outside_lane", "write must be dispatched through the execution queue")

func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// EnforceOrderingKey rejects work that is not running inside the lane of key.
func EnforceOrderingKey(ctx context.Context, key string) error {
	d, ok := DeliveryFromContext(ctx)
	if !ok {
		return ErrOutsideLane
	}
	if d.OrderingKey != key {
		return ErrOutsideLane.WithMessage("lane %q cannot write for %q", d.OrderingKey, key)
	}
	return nil
}
