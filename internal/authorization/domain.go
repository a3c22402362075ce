package authorization

import (
	"context"

	"github.com/smallbiznis/meterledger/pkg/errs"
)

// Service decides whether an actor may perform an action on an object.
// Owner is the ledger user the request touches; it is empty for actions that
// are not scoped to a single user.
type Service interface {
	Authorize(ctx context.Context, actor, owner, object, action string) error
}

var (
	ErrInvalidActor  = errs.New(errs.KindPermissionDenied, "invalid_actor", "actor is missing or malformed")
	ErrInvalidObject = errs.New(errs.KindBadInput, "invalid_object", "authorization object is required")
	ErrInvalidAction = errs.New(errs.KindBadInput, "invalid_action", "authorization action is required")
	ErrForbidden     = errs.New(errs.KindPermissionDenied, "forbidden", "actor is not allowed to perform this action")
)
