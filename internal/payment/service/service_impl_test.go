package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/meterledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterledger/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/meterledger/internal/payment/domain"
	settlementdomain "github.com/smallbiznis/meterledger/internal/settlement/domain"
	settlementservice "github.com/smallbiznis/meterledger/internal/settlement/service"
	"github.com/smallbiznis/meterledger/internal/testutil"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc        paymentdomain.Service
	ledger     ledgerdomain.Service
	settlement settlementdomain.Service
	clock      *clock.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.UnixMilli(5_000_000))
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	settlement := settlementservice.NewService(settlementservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Ledger: ledger, Clock: clk})
	svc := NewService(Params{DB: db, Log: zap.NewNop(), Ledger: ledger, Settlement: settlement, Clock: clk})
	return fixture{svc: svc, ledger: ledger, settlement: settlement, clock: clk}
}

func (f fixture) fund(t *testing.T, user, value string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.RecordTopup(ctx, paymentdomain.TopupRequest{UserID: user, Amount: amount.MustParse(value), Reference: "seed-" + user})
	require.NoError(t, err)
	_, err = f.settlement.Settle(ctx, user)
	require.NoError(t, err)
}

func TestRecordTopupIsIdempotentByReference(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	req := paymentdomain.TopupRequest{UserID: "u1", Amount: amount.MustParse("12.5"), Reference: "pi_1"}
	first, err := f.svc.RecordTopup(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, ledgerdomain.ReasonTopup, first.Activity.Reason)
	assert.Equal(t, ledgerdomain.DirectionIncoming, first.Activity.Direction)
	assert.Equal(t, int64(5_000_000), first.Activity.SettleAt)

	again, err := f.svc.RecordTopup(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Activity.ID, again.Activity.ID)

	res, err := f.settlement.Settle(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, res.Settled, 1)
	assert.Equal(t, "12.5", res.New.ClosingBalance.String())
}

func TestRecordTopupValidates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.RecordTopup(ctx, paymentdomain.TopupRequest{Amount: amount.FromInt(1), Reference: "r"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidUser)
	_, err = f.svc.RecordTopup(ctx, paymentdomain.TopupRequest{UserID: "u1", Amount: amount.FromInt(1)})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidReference)
	_, err = f.svc.RecordTopup(ctx, paymentdomain.TopupRequest{UserID: "u1", Amount: amount.Zero(), Reference: "r"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)
	assert.True(t, errors.Is(err, errs.ErrBadInput))
}

func TestRecordPayoutWritesPayoutAndFee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "owner", "100")

	res, err := f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "owner",
		WithdrawAmount: amount.MustParse("40"),
		ReceiveAmount:  amount.MustParse("38.75"),
		Reference:      "po_1",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, ledgerdomain.ReasonPayout, res.Payout.Reason)
	assert.Equal(t, "38.75", res.Payout.Amount.String())
	assert.Equal(t, ledgerdomain.ReasonPayoutFee, res.Fee.Reason)
	assert.Equal(t, "1.25", res.Fee.Amount.String())

	// The replay is answered from the ledger even though funds are now reserved.
	replay, err := f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "owner",
		WithdrawAmount: amount.MustParse("40"),
		ReceiveAmount:  amount.MustParse("38.75"),
		Reference:      "po_1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, res.Payout.ID, replay.Payout.ID)
	assert.Equal(t, res.Fee.ID, replay.Fee.ID)

	settled, err := f.settlement.Settle(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, settled.Settled, 2)
	assert.Equal(t, "60", settled.New.ClosingBalance.String())
}

func TestRecordPayoutRejectsUncoveredWithdrawals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fund(t, "owner", "50")

	_, err := f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "owner",
		WithdrawAmount: amount.MustParse("10"),
		ReceiveAmount:  amount.MustParse("11"),
		Reference:      "po_bad",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrReceiveExceedsWithdraw)

	_, err = f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "owner",
		WithdrawAmount: amount.MustParse("30"),
		ReceiveAmount:  amount.MustParse("30"),
		Reference:      "po_1",
	})
	require.NoError(t, err)

	// 50 settled minus 30 still pending leaves 20 available.
	_, err = f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "owner",
		WithdrawAmount: amount.MustParse("25"),
		ReceiveAmount:  amount.MustParse("25"),
		Reference:      "po_2",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInsufficientBalance)
	assert.True(t, errors.Is(err, errs.ErrBadInput))

	_, err = f.svc.RecordPayout(ctx, paymentdomain.PayoutRequest{
		UserID:         "nobody",
		WithdrawAmount: amount.MustParse("1"),
		ReceiveAmount:  amount.MustParse("1"),
		Reference:      "po_3",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInsufficientBalance)
}
