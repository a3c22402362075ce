package service

import (
	"context"
	"testing"

	quotadomain "github.com/smallbiznis/meterledger/internal/quota/domain"
	"github.com/smallbiznis/meterledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newQuotaService(t *testing.T) (quotadomain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: testutil.NewNode(t)}), db
}

func TestConsumeNeverExceedsFreeQuota(t *testing.T) {
	svc, _ := newQuotaService(t)
	ctx := context.Background()
	req := quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "res", FreeQuota: 10}

	var total int64
	for _, requested := range []int64{4, 4, 4, 4} {
		req.Requested = requested
		got, err := svc.Consume(ctx, nil, req)
		require.NoError(t, err)
		total += got
	}
	assert.Equal(t, int64(10), total)

	usage, err := svc.Get(ctx, "sub", "res")
	require.NoError(t, err)
	assert.Equal(t, int64(10), usage.Consumed)

	req.Requested = 1
	got, err := svc.Consume(ctx, nil, req)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestConsumeTracksPairsIndependently(t *testing.T) {
	svc, _ := newQuotaService(t)
	ctx := context.Background()

	got, err := svc.Consume(ctx, nil, quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "a", FreeQuota: 5, Requested: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = svc.Consume(ctx, nil, quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "b", FreeQuota: 5, Requested: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	untouched, err := svc.Get(ctx, "other", "a")
	require.NoError(t, err)
	assert.Zero(t, untouched.Consumed)
}

func TestConsumeRollsBackWithCallerTransaction(t *testing.T) {
	svc, db := newQuotaService(t)
	ctx := context.Background()
	req := quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "res", FreeQuota: 10, Requested: 3}

	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := svc.Consume(ctx, tx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	usage, err := svc.Get(ctx, "sub", "res")
	require.NoError(t, err)
	assert.Zero(t, usage.Consumed)
}

func TestConsumeValidatesInput(t *testing.T) {
	svc, _ := newQuotaService(t)
	ctx := context.Background()

	_, err := svc.Consume(ctx, nil, quotadomain.ConsumeRequest{ResourceID: "res", FreeQuota: 1, Requested: 1})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidSubscriber)
	_, err = svc.Consume(ctx, nil, quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "res", FreeQuota: 1, Requested: -1})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidRequest)

	got, err := svc.Consume(ctx, nil, quotadomain.ConsumeRequest{SubscriberID: "sub", ResourceID: "res", FreeQuota: 0, Requested: 7})
	require.NoError(t, err)
	assert.Zero(t, got)
}
