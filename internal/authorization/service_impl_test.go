package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/meterledger/internal/testutil"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (Service, *ServiceImpl) {
	t.Helper()
	enforcer, err := NewEnforcer(testutil.NewDB(t))
	require.NoError(t, err)
	svc := NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
	return svc, svc.(*ServiceImpl)
}

func TestAuthorizeByRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		actor   string
		owner   string
		object  string
		action  string
		allowed bool
	}{
		{"system records usage", ActorSystem, "", ObjectUsage, ActionUsageRecord, true},
		{"system settles anyone", ActorSystem, "u1", ObjectSettlement, ActionSettlementSettle, true},
		{"admin triggers billing", "admin:ops", "", ObjectBilling, ActionBillingTrigger, true},
		{"admin cannot record usage", "admin:ops", "", ObjectUsage, ActionUsageRecord, false},
		{"admin cannot pay out", "admin:ops", "u1", ObjectPayment, ActionPaymentPayout, false},
		{"user reads own ledger", "user:u1", "u1", ObjectLedger, ActionLedgerView, true},
		{"user cannot read other ledger", "user:u1", "u2", ObjectLedger, ActionLedgerView, false},
		{"user pays out own balance", "user:u1", "u1", ObjectPayment, ActionPaymentPayout, true},
		{"user cannot top up", "user:u1", "u1", ObjectPayment, ActionPaymentTopup, false},
		{"user cannot read queue", "user:u1", "", ObjectQueue, ActionQueueView, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, tc.owner, tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrForbidden)
			assert.ErrorIs(t, err, errs.ErrPermissionDenied)
		})
	}
}

func TestAuthorizeRejectsMalformedInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", "", ObjectLedger, ActionLedgerView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:", "", ObjectLedger, ActionLedgerView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "robot", "", ObjectLedger, ActionLedgerView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorSystem, "", "", ActionLedgerView), ErrInvalidObject)
	assert.ErrorIs(t, svc.Authorize(ctx, ActorSystem, "", ObjectLedger, " "), ErrInvalidAction)
}

func TestEnsureGroupingKeepsSingleRole(t *testing.T) {
	_, impl := newTestService(t)

	require.NoError(t, impl.ensureGrouping("user:u1", RoleAdmin))
	require.NoError(t, impl.ensureGrouping("user:u1", RoleUser))

	rules, err := impl.enforcer.GetFilteredGroupingPolicy(0, "user:u1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, RoleUser, rules[0][1])
}

func TestEnforcerReloadIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	_, err := NewEnforcer(db)
	require.NoError(t, err)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	policies, err := enforcer.GetPolicy()
	require.NoError(t, err)
	assert.Len(t, policies, 17)
}
