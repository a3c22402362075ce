package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Jitter:          NoJitter,
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentErrors(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return errs.ErrBadInput
	})
	assert.True(t, errors.Is(err, errs.ErrBadInput))
	assert.Equal(t, 1, calls)
}

func TestDoHonoursAttemptBudget(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errs.ErrConflict
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	b := &exponential{policy: Policy{InitialInterval: time.Second, MaxInterval: 4 * time.Second, Jitter: NoJitter}}
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestFullJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := FullJitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), FullJitter(0))
}

func TestCreateReportsExistingRecord(t *testing.T) {
	_, err := Create(context.Background(), fastPolicy(5),
		func(context.Context, int) (string, error) { return "", errs.ErrAlreadyExists },
		func(context.Context) (bool, error) { return true, nil },
	)
	assert.True(t, errors.Is(err, errs.ErrAlreadyExists))
}

func TestCreateRetriesPhantomCollision(t *testing.T) {
	var attempts []int
	got, err := Create(context.Background(), fastPolicy(5),
		func(_ context.Context, attempt int) (string, error) {
			attempts = append(attempts, attempt)
			if attempt == 0 {
				return "", errs.ErrAlreadyExists
			}
			return "created", nil
		},
		func(context.Context) (bool, error) { return false, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "created", got)
	assert.Equal(t, []int{0, 1}, attempts)
}
